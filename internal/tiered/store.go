package tiered

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/scheduler"
)

var (
	ErrNotConnected    = errors.New("state store not connected")
	ErrPayloadTooLarge = errors.New("state payload too large")
	ErrInvalidKey      = errors.New("invalid state key")
	ErrPreempted       = errors.New("state write preempted")
)

// Config holds per-tier cadences and payload limits.
type Config struct {
	CriticalAutosave  time.Duration `yaml:"critical_autosave"`
	ImportantAutosave time.Duration `yaml:"important_autosave"`
	CurrentAutosave   time.Duration `yaml:"current_autosave"`

	// PromoteCurrent moves Current keys to Important; PromoteImportant moves
	// Important keys to Critical. Zero disables the job.
	PromoteCurrent   time.Duration `yaml:"promote_current"`
	PromoteImportant time.Duration `yaml:"promote_important"`

	CompressionThreshold int  `yaml:"compression_threshold"`
	MaxPayloadSize       int  `yaml:"max_payload_size"`
	PartialOnPreempt     bool `yaml:"partial_on_preempt"`

	// JobTimeout bounds a single autosave or promotion run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the stock cadences.
func DefaultConfig() Config {
	return Config{
		CriticalAutosave:     300 * time.Second,
		ImportantAutosave:    30 * time.Second,
		CurrentAutosave:      5 * time.Second,
		PromoteCurrent:       10 * time.Minute,
		PromoteImportant:     60 * time.Minute,
		CompressionThreshold: 1024,
		MaxPayloadSize:       10 << 20,
		PartialOnPreempt:     true,
		JobTimeout:           30 * time.Second,
	}
}

func (c Config) autosave(tier model.Tier) time.Duration {
	switch tier {
	case model.TierCritical:
		return c.CriticalAutosave
	case model.TierImportant:
		return c.ImportantAutosave
	default:
		return c.CurrentAutosave
	}
}

// SaveOptions controls a single SaveState call.
type SaveOptions struct {
	Tier          model.Tier
	TTL           time.Duration
	ForceCompress bool
	// OnForcePreempt runs when the write is preempted by an opportunity.
	OnForcePreempt func()
	// Partial is written as a partial snapshot if the write is preempted.
	// Nil falls back to the value being saved.
	Partial any
}

// LoadOptions controls a single LoadState call.
type LoadOptions struct {
	Tier           model.Tier
	SearchAllTiers bool
}

// TierStats describes the live contents of one tier.
type TierStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// Stats is returned by MemoryStats.
type Stats struct {
	Tiers               map[string]TierStats `json:"tiers"`
	Saves               int64                `json:"saves"`
	Loads               int64                `json:"loads"`
	Compressions        int64                `json:"compressions"`
	AvgCompressionRatio float64              `json:"avgCompressionRatio"`
	Promoted            int64                `json:"promoted"`
	PreemptionsAccepted int64                `json:"preemptionsAccepted"`
	PreemptionsVetoed   int64                `json:"preemptionsVetoed"`
}

// Provider returns the current value of a tracked piece of state.
type Provider func() (any, error)

type tracked struct {
	key  string
	tier model.Tier
	fn   Provider
}

type memOp struct {
	tier    model.Tier
	key     string
	started time.Time
	cancel  context.CancelFunc
	onForce func()
	partial any
	// preempted is set under Store.mu before cancel is called.
	preempted bool
}

// Store is the tiered state store. The backend handle and all timers belong
// to one connection and are torn down together.
type Store struct {
	cfg  Config
	open Opener
	log  *zap.SugaredLogger

	mu      sync.Mutex
	backend Backend
	sched   *scheduler.Scheduler
	stop    context.CancelFunc
	tracked []tracked
	ops     map[uint64]*memOp
	nextOp  uint64
	stats   Stats
	ratios  float64
}

// New creates a disconnected store.
func New(cfg Config, open Opener, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Store{
		cfg:  cfg,
		open: open,
		log:  log,
		ops:  make(map[uint64]*memOp),
	}
}

// Connect opens the backend and arms the autosave and promotion timers.
// Calling it on a connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return nil
	}

	b, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("connect state store: %w", err)
	}
	if err := b.Ping(ctx); err != nil {
		b.Close()
		return fmt.Errorf("connect state store: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	sched := scheduler.NewScheduler(s.log)
	for _, tier := range model.Tiers {
		tier := tier
		if err := sched.Every("autosave:"+tier.String(), s.cfg.autosave(tier), func() {
			s.runJob(runCtx, func(ctx context.Context) { s.Autosave(ctx, tier) })
		}); err != nil {
			s.log.Warnf("autosave %s disabled: %v", tier, err)
		}
	}
	if s.cfg.PromoteCurrent > 0 {
		_ = sched.Every("promote:current", s.cfg.PromoteCurrent, func() {
			s.runJob(runCtx, func(ctx context.Context) { s.PromoteTier(ctx, model.TierCurrent, model.TierImportant) })
		})
	}
	if s.cfg.PromoteImportant > 0 {
		_ = sched.Every("promote:important", s.cfg.PromoteImportant, func() {
			s.runJob(runCtx, func(ctx context.Context) { s.PromoteTier(ctx, model.TierImportant, model.TierCritical) })
		})
	}

	s.backend = b
	s.sched = sched
	s.stop = stop
	sched.Start()
	s.log.Infof("state store connected, jobs: %v", sched.Jobs())
	return nil
}

func (s *Store) runJob(parent context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()
	fn(ctx)
}

// Disconnect stops every timer, waits for running jobs and closes the
// backend.
func (s *Store) Disconnect() error {
	s.mu.Lock()
	b, sched, stop := s.backend, s.sched, s.stop
	s.backend, s.sched, s.stop = nil, nil, nil
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	stop()
	sched.Stop()
	if err := b.Close(); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	s.log.Info("state store disconnected")
	return nil
}

// Connected reports whether a backend is open.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend != nil
}

func (s *Store) conn() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil, ErrNotConnected
	}
	return s.backend, nil
}

// SaveState writes value under key in the requested tier together with its
// metadata sibling.
func (s *Store) SaveState(ctx context.Context, key string, value any, opts SaveOptions) error {
	if err := validKey(key); err != nil {
		return err
	}
	tier := opts.Tier
	if tier == model.TierNone {
		tier = model.TierCurrent
	}
	b, err := s.conn()
	if err != nil {
		return err
	}

	raw, encoding, err := serialize(value)
	if err != nil {
		return err
	}
	if s.cfg.MaxPayloadSize > 0 && len(raw) > s.cfg.MaxPayloadSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPayloadTooLarge, key, len(raw), s.cfg.MaxPayloadSize)
	}

	payload := raw
	compressed := false
	if opts.ForceCompress || (s.cfg.CompressionThreshold > 0 && len(raw) > s.cfg.CompressionThreshold) {
		if payload, err = compress(raw); err != nil {
			return err
		}
		compressed = true
	}

	meta, err := encodeMeta(Metadata{
		Compressed:   compressed,
		Tier:         tier.String(),
		CreatedAt:    time.Now().UTC(),
		Size:         len(payload),
		OriginalSize: len(raw),
		Encoding:     encoding,
	})
	if err != nil {
		return err
	}

	partial := opts.Partial
	if partial == nil {
		partial = value
	}
	opCtx, id := s.beginOp(ctx, tier, key, opts.OnForcePreempt, partial)
	err = b.Set(opCtx, opts.TTL,
		Entry{Key: dataKey(tier, key), Value: payload},
		Entry{Key: metaKey(tier, key), Value: meta},
	)
	preempted := s.endOp(id)
	if preempted {
		return fmt.Errorf("save %s/%s: %w", tier, key, ErrPreempted)
	}
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", tier, key, err)
	}

	s.mu.Lock()
	s.stats.Saves++
	if compressed && len(raw) > 0 {
		s.stats.Compressions++
		s.ratios += float64(len(payload)) / float64(len(raw))
	}
	s.mu.Unlock()
	if compressed {
		s.log.Debugf("saved %s/%s compressed %d -> %d bytes", tier, key, len(raw), len(payload))
	}
	return nil
}

// LoadState returns the stored value, or nil if the key is absent in every
// tier searched. JSON payloads are decoded into generic values; anything that
// does not parse comes back as a string.
func (s *Store) LoadState(ctx context.Context, key string, opts LoadOptions) (any, error) {
	raw, meta, err := s.loadRaw(ctx, key, opts)
	if err != nil || raw == nil {
		return nil, err
	}
	encoding := encodingJSON
	if meta != nil {
		encoding = meta.Encoding
	}
	return deserialize(raw, encoding), nil
}

// LoadStateInto decodes the stored JSON into dst. It reports false when the
// key is absent.
func (s *Store) LoadStateInto(ctx context.Context, key string, opts LoadOptions, dst any) (bool, error) {
	raw, _, err := s.loadRaw(ctx, key, opts)
	if err != nil || raw == nil {
		return false, err
	}
	if err := sonnet.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// LoadPartial returns the partial snapshot written when a save of key was
// preempted, or nil.
func (s *Store) LoadPartial(ctx context.Context, key string, tier model.Tier) (any, error) {
	b, err := s.conn()
	if err != nil {
		return nil, err
	}
	vals, err := b.Get(ctx, partialKey(tier, key), partialKey(tier, key)+metaSuffix)
	if err != nil {
		return nil, fmt.Errorf("load partial %s/%s: %w", tier, key, err)
	}
	raw, err := decodePayload(vals[0], vals[1])
	if err != nil || raw == nil {
		return nil, err
	}
	meta, _ := decodeMeta(vals[1])
	encoding := encodingJSON
	if meta != nil {
		encoding = meta.Encoding
	}
	return deserialize(raw, encoding), nil
}

func (s *Store) loadRaw(ctx context.Context, key string, opts LoadOptions) ([]byte, *Metadata, error) {
	if err := validKey(key); err != nil {
		return nil, nil, err
	}
	b, err := s.conn()
	if err != nil {
		return nil, nil, err
	}

	tiers := model.Tiers
	if !opts.SearchAllTiers {
		tier := opts.Tier
		if tier == model.TierNone {
			tier = model.TierCurrent
		}
		tiers = []model.Tier{tier}
	}

	for _, tier := range tiers {
		vals, err := b.Get(ctx, dataKey(tier, key), metaKey(tier, key))
		if err != nil {
			return nil, nil, fmt.Errorf("load %s/%s: %w", tier, key, err)
		}
		if vals[0] == nil {
			continue
		}
		raw, err := decodePayload(vals[0], vals[1])
		if err != nil {
			return nil, nil, fmt.Errorf("load %s/%s: %w", tier, key, err)
		}
		meta, _ := decodeMeta(vals[1])
		s.mu.Lock()
		s.stats.Loads++
		s.mu.Unlock()
		return raw, meta, nil
	}
	return nil, nil, nil
}

func decodePayload(data, metaRaw []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	meta, err := decodeMeta(metaRaw)
	if err != nil {
		return nil, err
	}
	if meta != nil && meta.Compressed {
		return decompress(data)
	}
	return data, nil
}

// DeleteState removes key and its siblings from tier.
func (s *Store) DeleteState(ctx context.Context, key string, tier model.Tier) error {
	if err := validKey(key); err != nil {
		return err
	}
	b, err := s.conn()
	if err != nil {
		return err
	}
	if err := b.Delete(ctx,
		dataKey(tier, key), metaKey(tier, key),
		partialKey(tier, key), partialKey(tier, key)+metaSuffix,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", tier, key, err)
	}
	return nil
}

// ListStateKeys returns the user keys stored in tier, without siblings.
func (s *Store) ListStateKeys(ctx context.Context, tier model.Tier) ([]string, error) {
	b, err := s.conn()
	if err != nil {
		return nil, err
	}
	prefix := tierPrefix(tier)
	all, err := b.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tier, err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if isAuxKey(k) {
			continue
		}
		keys = append(keys, k[len(prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

// MemoryStats reports per-tier contents and the store's counters.
func (s *Store) MemoryStats(ctx context.Context) (Stats, error) {
	b, err := s.conn()
	if err != nil {
		return Stats{}, err
	}
	tiers := make(map[string]TierStats, len(model.Tiers))
	for _, tier := range model.Tiers {
		keys, err := s.ListStateKeys(ctx, tier)
		if err != nil {
			return Stats{}, err
		}
		ts := TierStats{Keys: len(keys)}
		if len(keys) > 0 {
			metaKeys := make([]string, len(keys))
			for i, k := range keys {
				metaKeys[i] = metaKey(tier, k)
			}
			metas, err := b.Get(ctx, metaKeys...)
			if err != nil {
				return Stats{}, fmt.Errorf("stats %s: %w", tier, err)
			}
			for _, raw := range metas {
				if m, err := decodeMeta(raw); err == nil && m != nil {
					ts.Bytes += m.Size
				}
			}
		}
		tiers[tier.String()] = ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Tiers = tiers
	if out.Compressions > 0 {
		out.AvgCompressionRatio = s.ratios / float64(out.Compressions)
	}
	return out, nil
}

// PromoteTier moves every key of from into to. Keys are moved one at a time;
// a failed key is logged and left behind. It returns the number moved.
func (s *Store) PromoteTier(ctx context.Context, from, to model.Tier) (int, error) {
	b, err := s.conn()
	if err != nil {
		return 0, err
	}
	keys, err := s.ListStateKeys(ctx, from)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, key := range keys {
		if err := s.promoteKey(ctx, b, key, from, to); err != nil {
			s.log.Warnf("promote %s %s -> %s: %v", key, from, to, err)
			continue
		}
		moved++
	}
	if moved > 0 {
		s.mu.Lock()
		s.stats.Promoted += int64(moved)
		s.mu.Unlock()
		s.log.Infof("promoted %d keys %s -> %s", moved, from, to)
	}
	return moved, nil
}

func (s *Store) promoteKey(ctx context.Context, b Backend, key string, from, to model.Tier) error {
	vals, err := b.Get(ctx, dataKey(from, key), metaKey(from, key))
	if err != nil {
		return err
	}
	if vals[0] == nil {
		return nil
	}
	metaRaw := vals[1]
	if m, err := decodeMeta(metaRaw); err == nil && m != nil {
		m.Tier = to.String()
		if metaRaw, err = encodeMeta(*m); err != nil {
			return err
		}
	}
	entries := []Entry{{Key: dataKey(to, key), Value: vals[0]}}
	if metaRaw != nil {
		entries = append(entries, Entry{Key: metaKey(to, key), Value: metaRaw})
	}
	if err := b.Set(ctx, 0, entries...); err != nil {
		return err
	}
	return b.Delete(ctx, dataKey(from, key), metaKey(from, key))
}

// Track registers state that the tier's autosave job writes under key.
func (s *Store) Track(key string, tier model.Tier, fn Provider) error {
	if err := validKey(key); err != nil {
		return err
	}
	if tier == model.TierNone {
		tier = model.TierCurrent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, tracked{key: key, tier: tier, fn: fn})
	return nil
}

// Autosave writes every tracked value of tier. Failures are logged per key.
// It returns the number of keys written.
func (s *Store) Autosave(ctx context.Context, tier model.Tier) int {
	s.mu.Lock()
	var items []tracked
	for _, t := range s.tracked {
		if t.tier == tier {
			items = append(items, t)
		}
	}
	s.mu.Unlock()

	saved := 0
	for _, t := range items {
		v, err := t.fn()
		if err != nil {
			s.log.Warnf("autosave %s/%s: %v", tier, t.key, err)
			continue
		}
		if err := s.SaveState(ctx, t.key, v, SaveOptions{Tier: tier}); err != nil {
			s.log.Warnf("autosave %s/%s: %v", tier, t.key, err)
			continue
		}
		saved++
	}
	return saved
}

func (s *Store) beginOp(ctx context.Context, tier model.Tier, key string, onForce func(), partial any) (context.Context, uint64) {
	opCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOp++
	id := s.nextOp
	s.ops[id] = &memOp{
		tier:    tier,
		key:     key,
		started: time.Now(),
		cancel:  cancel,
		onForce: onForce,
		partial: partial,
	}
	return opCtx, id
}

func (s *Store) endOp(id uint64) (preempted bool) {
	s.mu.Lock()
	op, ok := s.ops[id]
	delete(s.ops, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return op.preempted
}

// MemoryOperation returns the most protected write in flight. InProgress is
// false when the store is idle.
func (s *Store) MemoryOperation() model.MemoryOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *memOp
	for _, op := range s.ops {
		if best == nil || op.tier > best.tier || (op.tier == best.tier && op.started.Before(best.started)) {
			best = op
		}
	}
	if best == nil {
		return model.MemoryOperation{}
	}
	return model.MemoryOperation{Tier: best.tier, Key: best.key, StartedAt: best.started, InProgress: true}
}

// PreemptMemoryOperation stops the writes in flight so an opportunity can
// proceed. A Critical write vetoes the request and nothing is stopped. It
// reports whether the caller may proceed.
func (s *Store) PreemptMemoryOperation(ctx context.Context) bool {
	s.mu.Lock()
	var victims []*memOp
	for _, op := range s.ops {
		if op.tier == model.TierCritical {
			s.stats.PreemptionsVetoed++
			s.mu.Unlock()
			s.log.Infof("preemption vetoed: critical write of %s in progress", op.key)
			return false
		}
	}
	for _, op := range s.ops {
		if !op.preempted {
			op.preempted = true
			victims = append(victims, op)
		}
	}
	s.stats.PreemptionsAccepted += int64(len(victims))
	b := s.backend
	s.mu.Unlock()

	for _, op := range victims {
		if s.cfg.PartialOnPreempt && b != nil {
			if err := s.writePartial(ctx, b, op); err != nil {
				s.log.Warnf("partial snapshot %s/%s: %v", op.tier, op.key, err)
			}
		}
		if op.onForce != nil {
			op.onForce()
		}
		op.cancel()
		s.log.Infof("preempted %s write of %s", op.tier, op.key)
	}
	return true
}

func (s *Store) writePartial(ctx context.Context, b Backend, op *memOp) error {
	raw, encoding, err := serialize(op.partial)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(Metadata{
		Tier:         op.tier.String(),
		CreatedAt:    time.Now().UTC(),
		Size:         len(raw),
		OriginalSize: len(raw),
		Encoding:     encoding,
		Partial:      true,
	})
	if err != nil {
		return err
	}
	pk := partialKey(op.tier, op.key)
	return b.Set(ctx, 0,
		Entry{Key: pk, Value: raw},
		Entry{Key: pk + metaSuffix, Value: meta},
	)
}
