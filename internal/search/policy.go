package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// ScoringPolicy weights how merged results are ranked. Base scores grade
// source authority; bonuses reward field completeness, freshness and active
// status. Tuning may change magnitudes but never the relative order of the
// sources.
type ScoringPolicy struct {
	Base struct {
		Local     int `yaml:"local"`
		RegistryA int `yaml:"registry_a"`
		RegistryB int `yaml:"registry_b"`
		Unknown   int `yaml:"unknown"`
	} `yaml:"base"`
	Bonus struct {
		Identifier   int `yaml:"identifier"`
		Name         int `yaml:"name"`
		Address      int `yaml:"address"`
		LegalForm    int `yaml:"legal_form"`
		IndustryCode int `yaml:"industry_code"`
		Active       int `yaml:"active"`
	} `yaml:"bonus"`
	Recency struct {
		Within30Days int `yaml:"within_30d"`
		Within90Days int `yaml:"within_90d"`
	} `yaml:"recency"`
}

// DefaultScoringPolicy returns the built-in ranking weights.
func DefaultScoringPolicy() *ScoringPolicy {
	p := &ScoringPolicy{}
	p.Base.Local = 100
	p.Base.RegistryA = 80
	p.Base.RegistryB = 60
	p.Base.Unknown = 40
	p.Bonus.Identifier = 20
	p.Bonus.Name = 20
	p.Bonus.Address = 15
	p.Bonus.LegalForm = 10
	p.Bonus.IndustryCode = 10
	p.Bonus.Active = 10
	p.Recency.Within30Days = 15
	p.Recency.Within90Days = 10
	return p
}

// Validate rejects policies that would reorder the sources or invert the
// recency preference.
func (p *ScoringPolicy) Validate() error {
	if p.Base.Local <= p.Base.RegistryA {
		return fmt.Errorf("local base (%d) must outrank registry_a (%d)", p.Base.Local, p.Base.RegistryA)
	}
	if p.Base.RegistryA <= p.Base.RegistryB {
		return fmt.Errorf("registry_a base (%d) must outrank registry_b (%d)", p.Base.RegistryA, p.Base.RegistryB)
	}
	if p.Base.RegistryB <= p.Base.Unknown {
		return fmt.Errorf("registry_b base (%d) must outrank unknown (%d)", p.Base.RegistryB, p.Base.Unknown)
	}
	if p.Base.Unknown <= 0 {
		return fmt.Errorf("unknown base score must be positive, got %d", p.Base.Unknown)
	}
	for name, bonus := range map[string]int{
		"identifier":    p.Bonus.Identifier,
		"name":          p.Bonus.Name,
		"address":       p.Bonus.Address,
		"legal_form":    p.Bonus.LegalForm,
		"industry_code": p.Bonus.IndustryCode,
		"active":        p.Bonus.Active,
	} {
		if bonus < 0 {
			return fmt.Errorf("bonus %s must not be negative, got %d", name, bonus)
		}
	}
	if p.Recency.Within30Days < p.Recency.Within90Days {
		return fmt.Errorf("within_30d (%d) must not be below within_90d (%d)", p.Recency.Within30Days, p.Recency.Within90Days)
	}
	if p.Recency.Within90Days < 0 {
		return fmt.Errorf("within_90d must not be negative, got %d", p.Recency.Within90Days)
	}
	return nil
}

// Score rates one record: source authority plus completeness, freshness and
// active-status bonuses.
func (p *ScoringPolicy) Score(record model.SourceRecord, now time.Time) int {
	var score int
	switch record.Source {
	case model.SourceLocal:
		score = p.Base.Local
	case model.SourceRegistryA:
		score = p.Base.RegistryA
	case model.SourceRegistryB:
		score = p.Base.RegistryB
	default:
		score = p.Base.Unknown
	}

	if record.Identifier != "" {
		score += p.Bonus.Identifier
	}
	if record.DisplayName != "" {
		score += p.Bonus.Name
	}
	if record.Address != "" {
		score += p.Bonus.Address
	}
	if record.LegalForm != "" {
		score += p.Bonus.LegalForm
	}
	if record.IndustryCode != "" {
		score += p.Bonus.IndustryCode
	}
	if record.Active {
		score += p.Bonus.Active
	}

	if !record.UpdatedAt.IsZero() {
		age := now.Sub(record.UpdatedAt)
		switch {
		case age <= 30*24*time.Hour:
			score += p.Recency.Within30Days
		case age <= 90*24*time.Hour:
			score += p.Recency.Within90Days
		}
	}

	return score
}

// PolicyManager holds the active scoring policy and hot-reloads it when the
// policy file changes. An invalid file keeps the previous policy in place.
type PolicyManager struct {
	path    string
	current atomic.Pointer[ScoringPolicy]
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	debounceMu sync.Mutex
	debounce   *time.Timer

	stopCh chan struct{}
}

// NewPolicyManager loads the policy at path, falling back to the built-in
// defaults when path is empty or missing.
func NewPolicyManager(path string, logger *zap.Logger) (*PolicyManager, error) {
	pm := &PolicyManager{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	policy := DefaultScoringPolicy()
	if path != "" {
		loaded, err := loadPolicyFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			logger.Warn("Scoring policy file missing, using defaults", zap.String("path", path))
		} else {
			policy = loaded
		}
	}
	pm.current.Store(policy)

	return pm, nil
}

func loadPolicyFile(path string) (*ScoringPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	policy := DefaultScoringPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse scoring policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring policy: %w", err)
	}
	return policy, nil
}

// Current returns the active policy.
func (pm *PolicyManager) Current() *ScoringPolicy {
	return pm.current.Load()
}

// Start begins watching the policy file for changes
func (pm *PolicyManager) Start() error {
	if pm.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	pm.watcher = watcher

	// Watch the directory; editors replace files on save, which would
	// otherwise drop the watch on the file itself.
	if err := watcher.Add(filepath.Dir(pm.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	go pm.watchLoop()

	pm.logger.Info("Watching scoring policy", zap.String("path", pm.path))
	return nil
}

func (pm *PolicyManager) watchLoop() {
	for {
		select {
		case <-pm.stopCh:
			return
		case event, ok := <-pm.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pm.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pm.scheduleReload()
			}
		case err, ok := <-pm.watcher.Errors:
			if !ok {
				return
			}
			pm.logger.Warn("Policy watcher error", zap.Error(err))
		}
	}
}

// scheduleReload debounces rapid write events on the same save.
func (pm *PolicyManager) scheduleReload() {
	pm.debounceMu.Lock()
	defer pm.debounceMu.Unlock()

	if pm.debounce != nil {
		pm.debounce.Stop()
	}
	pm.debounce = time.AfterFunc(100*time.Millisecond, pm.reload)
}

func (pm *PolicyManager) reload() {
	policy, err := loadPolicyFile(pm.path)
	if err != nil {
		pm.logger.Error("Scoring policy reload rejected, keeping previous policy",
			zap.String("path", pm.path),
			zap.Error(err))
		return
	}

	pm.current.Store(policy)
	pm.logger.Info("Scoring policy reloaded", zap.String("path", pm.path))
}

// Stop stops the file watcher
func (pm *PolicyManager) Stop() {
	close(pm.stopCh)
	if pm.watcher != nil {
		pm.watcher.Close()
	}

	pm.debounceMu.Lock()
	if pm.debounce != nil {
		pm.debounce.Stop()
	}
	pm.debounceMu.Unlock()
}
