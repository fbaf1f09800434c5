package settings

import (
	"errors"
	"fmt"
	"log"

	"github.com/cockroachdb/pebble"
)

const keyPrefix = "settings/"

// PebbleProvider persists preferences in an embedded pebble database.
type PebbleProvider struct {
	db  *pebble.DB
	log *log.Logger
}

func OpenPebble(dir string, logger *log.Logger) (*PebbleProvider, error) {
	return OpenPebbleWithOptions(dir, &pebble.Options{}, logger)
}

func OpenPebbleWithOptions(dir string, opts *pebble.Options, logger *log.Logger) (*PebbleProvider, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	return &PebbleProvider{db: db, log: logger}, nil
}

func (p *PebbleProvider) Get(key string) string {
	val, closer, err := p.db.Get([]byte(keyPrefix + key))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			p.log.Printf("settings get %q: %v", key, err)
		}
		return Defaults[key]
	}
	defer closer.Close()

	return string(val)
}

func (p *PebbleProvider) Set(key, value string) error {
	if err := p.db.Set([]byte(keyPrefix+key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("settings set %q: %w", key, err)
	}
	return nil
}

func (p *PebbleProvider) Reset(key string) error {
	if err := p.db.Delete([]byte(keyPrefix+key), pebble.Sync); err != nil {
		return fmt.Errorf("settings reset %q: %w", key, err)
	}
	return nil
}

func (p *PebbleProvider) Close() error {
	return p.db.Close()
}
