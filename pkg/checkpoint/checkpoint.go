package checkpoint

import (
	"context"
	"deltasync/pkg/storage"
	"deltasync/pkg/watermark"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrCorrupt    = errors.New("checkpoint: corrupt state")
	ErrRegression = errors.New("checkpoint: sequence would move backwards")
)

// State is the persisted progress of one table.
type State struct {
	LastSequence watermark.Token `json:"last_sequence"`
	LastUpdate   time.Time       `json:"last_update"`
	// Persisted is false when no state file exists yet.
	Persisted bool `json:"-"`
}

type Store struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(store storage.Store, opts ...Option) *Store {
	s := &Store{store: store, now: time.Now, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name is the state file of table, next to its bucket directory.
func Name(table string) string {
	return table + "_state.json"
}

// Read returns the persisted state, or the codec's zero token when none exists.
func (s *Store) Read(ctx context.Context, table string, codec watermark.Codec) (State, error) {
	rc, err := s.store.Open(ctx, Name(table))
	if errors.Is(err, storage.ErrNotFound) {
		return State{LastSequence: codec.Zero()}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: open %s: %w", table, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: read %s: %w", table, err)
	}
	var raw struct {
		LastSequence *string   `json:"last_sequence"`
		LastUpdate   time.Time `json:"last_update"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, table, err)
	}
	if raw.LastSequence == nil {
		return State{}, fmt.Errorf("%w: %s: missing last_sequence", ErrCorrupt, table)
	}
	tok, err := codec.Parse(*raw.LastSequence)
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, table, err)
	}
	return State{LastSequence: tok, LastUpdate: raw.LastUpdate, Persisted: true}, nil
}

// Write durably advances the checkpoint. A token lower than the stored one is
// rejected with ErrRegression.
func (s *Store) Write(ctx context.Context, table string, codec watermark.Codec, tok watermark.Token) error {
	cur, err := s.Read(ctx, table, codec)
	if err != nil {
		return err
	}
	if cur.Persisted && codec.Compare(tok, cur.LastSequence) < 0 {
		return fmt.Errorf("%w: %s: %s < %s", ErrRegression, table, tok, cur.LastSequence)
	}
	return s.put(ctx, table, tok)
}

// Reset overwrites the checkpoint unconditionally. Only re-initialization uses it.
func (s *Store) Reset(ctx context.Context, table string, tok watermark.Token) error {
	s.logger.Info().Str("table", table).Str("sequence", string(tok)).Msg("checkpoint reset")
	return s.put(ctx, table, tok)
}

func (s *Store) put(ctx context.Context, table string, tok watermark.Token) error {
	data, err := json.MarshalIndent(State{LastSequence: tok, LastUpdate: s.now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	p, err := s.store.Create(ctx, Name(table))
	if err != nil {
		return err
	}
	if _, err := p.Write(append(data, '\n')); err != nil {
		p.Abort()
		return err
	}
	if err := p.Commit(); err != nil {
		return err
	}
	s.logger.Debug().Str("table", table).Str("sequence", string(tok)).Msg("checkpoint saved")
	return nil
}
