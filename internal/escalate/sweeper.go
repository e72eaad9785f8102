package escalate

import (
	"context"
	"log"
	"time"
)

// sweepInterval is how often the scheduler scans for due alerts.
const sweepInterval = 60 * time.Second

// Sweeper periodically finds unresolved alerts overdue for escalation and
// runs them through the Engine. Failures on one alert never abort the sweep.
type Sweeper struct {
	engine *Engine
	logger *log.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{
		engine: engine,
		logger: log.New(log.Writer(), "[ESC-SWEEP] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
	s.logger.Printf("Escalation sweeper started (interval %s)", sweepInterval)
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce(context.Background())
		}
	}
}

// SweepOnce scans every severity with a rule and escalates due candidates.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.engine.now()
	for severity, rule := range s.engine.cfg.Rules {
		dueBefore := now.Add(-rule.EscalateAfter)
		candidates, err := s.engine.alerts.ListEscalationCandidates(ctx, s.engine.q, severity, rule.MaxLevel, dueBefore)
		if err != nil {
			s.logger.Printf("Candidate query for %s failed: %v", severity, err)
			continue
		}
		for _, c := range candidates {
			outcome, err := s.engine.Escalate(ctx, c.TenantID, c.AlertID)
			if err != nil {
				s.logger.Printf("Escalate %s failed: %v", c.AlertID, err)
				continue
			}
			if !outcome.Success && outcome.SkipReason != SkipCooldown {
				s.logger.Printf("Escalate %s skipped: %s", c.AlertID, outcome.SkipReason)
			}
		}
		if n := len(candidates); n > 0 {
			s.logger.Printf("Swept %d %s candidates", n, severity)
		}
	}
}
