package provider

import "testing"

func TestCallParamsValidate(t *testing.T) {
	valid := CallParams{
		ClientID: "client-1",
		From:     "+15550001111",
		To:       "+15552223333",
		WSSURL:   "wss://bot.example.com/stream",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid params: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CallParams)
	}{
		{"missing client", func(p *CallParams) { p.ClientID = " " }},
		{"missing from", func(p *CallParams) { p.From = "" }},
		{"alpha from", func(p *CallParams) { p.From = "+1555CALLNOW" }},
		{"short to", func(p *CallParams) { p.To = "+1234" }},
		{"bad wss", func(p *CallParams) { p.WSSURL = "::not-a-url" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	// A call without a bot stream is still dialable.
	noWSS := valid
	noWSS.WSSURL = ""
	if err := noWSS.Validate(); err != nil {
		t.Fatalf("empty wss url should validate: %v", err)
	}
}

func TestCredentialsOwns(t *testing.T) {
	open := Credentials{AccountID: "AC1"}
	if !open.Owns("+15550001111") {
		t.Fatal("empty validated list must allow any number")
	}
	restricted := Credentials{AccountID: "AC1", ValidatedNumbers: []string{"+15550001111"}}
	if !restricted.Owns("+15550001111") {
		t.Fatal("listed number must be owned")
	}
	if restricted.Owns("+15559998888") {
		t.Fatal("unlisted number must not be owned")
	}
}

func TestKnown(t *testing.T) {
	if !Known(Plivo) || !Known(Twilio) {
		t.Fatal("plivo and twilio are known providers")
	}
	if Known("telnyx") {
		t.Fatal("unknown provider accepted")
	}
}
