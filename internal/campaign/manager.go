package campaign

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialgrid/dialgrid/internal/queue"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// NewContainerID mints the lease identity for this process.
func NewContainerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

type ManagerConfig struct {
	Store  Store
	Queue  queue.Queue
	Worker *Worker

	// MaxConcurrentCampaigns bounds campaigns running in this process
	// (default 4).
	MaxConcurrentCampaigns int
	// ScanInterval is the cadence of the claimable-campaign scan that picks
	// up resumes and recovered orphans (default 60s).
	ScanInterval time.Duration
	// OrphanThreshold matches the worker's lease staleness window.
	OrphanThreshold time.Duration
	// ReceiveWaitSeconds is the queue long-poll duration (default 5).
	ReceiveWaitSeconds int

	Logger *logging.Logger
}

// Manager feeds campaigns to workers from two sources: explicit start
// commands on the queue, and a periodic scan for claimable campaigns
// (resumed or orphan-recovered ones that never got a fresh command).
type Manager struct {
	store           Store
	queue           queue.Queue
	worker          *Worker
	maxConcurrent   int
	scanInterval    time.Duration
	orphanThreshold time.Duration
	receiveWait     int
	logger          *logging.Logger

	slots   chan struct{}
	running sync.Map
}

func NewManager(cfg ManagerConfig) *Manager {
	maxConcurrent := cfg.MaxConcurrentCampaigns
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	orphanThreshold := cfg.OrphanThreshold
	if orphanThreshold <= 0 {
		orphanThreshold = 2 * time.Minute
	}
	receiveWait := cfg.ReceiveWaitSeconds
	if receiveWait <= 0 {
		receiveWait = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:           cfg.Store,
		queue:           cfg.Queue,
		worker:          cfg.Worker,
		maxConcurrent:   maxConcurrent,
		scanInterval:    scanInterval,
		orphanThreshold: orphanThreshold,
		receiveWait:     receiveWait,
		logger:          logger.Component("campaign-manager"),
		slots:           make(chan struct{}, maxConcurrent),
	}
}

// Run blocks until ctx is canceled, then waits for in-flight campaigns to
// exit their current contact.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("campaign manager started", "max_concurrent", m.maxConcurrent)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.consumeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.scanLoop(ctx)
	}()
	wg.Wait()

	// Drain: wait for the workers we started.
	for i := 0; i < m.maxConcurrent; i++ {
		m.slots <- struct{}{}
	}
	m.logger.Info("campaign manager stopped")
}

func (m *Manager) consumeLoop(ctx context.Context) {
	if m.queue == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := m.queue.ReceiveStarts(ctx, m.maxConcurrent, m.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("queue receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, d := range deliveries {
			m.launch(ctx, d.Command.CampaignID)
			if err := m.queue.Ack(ctx, d); err != nil {
				m.logger.Warn("queue ack failed",
					"campaign_id", d.Command.CampaignID, "error", err)
			}
		}
	}
}

func (m *Manager) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimable, err := m.store.Claimable(ctx, time.Now().Add(-m.orphanThreshold), m.maxConcurrent)
			if err != nil {
				m.logger.Error("claimable scan failed", "error", err)
				continue
			}
			for _, c := range claimable {
				m.launch(ctx, c.ID)
			}
		}
	}
}

// launch starts a worker for the campaign if a slot is free and it is not
// already running here. Claim contention with other processes is resolved by
// the worker's CAS, not by the manager.
func (m *Manager) launch(ctx context.Context, campaignID string) {
	if _, alreadyRunning := m.running.LoadOrStore(campaignID, struct{}{}); alreadyRunning {
		return
	}
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.running.Delete(campaignID)
		return
	}
	go func() {
		defer func() {
			m.running.Delete(campaignID)
			<-m.slots
		}()
		if err := m.worker.Run(ctx, campaignID); err != nil && ctx.Err() == nil {
			m.logger.Error("campaign worker exited with error", "campaign_id", campaignID, "error", err)
		}
	}()
}
