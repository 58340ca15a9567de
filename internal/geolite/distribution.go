package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"repsheet/internal/store"
)

const (
	distributionKey     = "repsheet:geolite:country"
	distributionChannel = "repsheet:geolite:updates"
	distributionTimeout = 30 * time.Second
)

type distributionPayload struct {
	UpdatedAt string `json:"updated_at,omitempty"`
	Size      int    `json:"size"`
}

// Distributor replicates the country database through Redis so that only one
// instance needs a MaxMind license key.
type Distributor struct {
	client *redis.Client
	path   string
	reader *CountryReader
}

func NewDistributor(conn *store.Conn, path string, reader *CountryReader) *Distributor {
	return &Distributor{client: conn.Client(), path: path, reader: reader}
}

// Publish uploads the file at the configured path and notifies subscribers.
func (d *Distributor) Publish(ctx context.Context) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("geolite: read %s: %w", d.path, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("geolite: %s is empty", d.path)
	}

	payload, err := json.Marshal(distributionPayload{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Size:      len(data),
	})
	if err != nil {
		return fmt.Errorf("geolite: serialize payload: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, distributionTimeout)
	defer cancel()

	_, err = d.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, distributionKey, data, 0)
		pipe.Publish(opCtx, distributionChannel, payload)
		return nil
	})
	return store.Wrap("geolite publish", err)
}

// Sync pulls the database from Redis, writes it to disk and reloads the
// reader. It reports false when Redis holds no copy.
func (d *Distributor) Sync(ctx context.Context) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, distributionTimeout)
	defer cancel()

	data, err := d.client.Get(opCtx, distributionKey).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
		return false, nil
	}
	if err != nil {
		return false, store.Wrap("geolite sync", err)
	}

	if err := writeToFile(d.path, bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("geolite: write %s: %w", d.path, err)
	}
	if d.reader != nil {
		if err := d.reader.Reload(d.path); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Enable loads any published copy and then follows update notifications
// until ctx is done. The returned channel is closed once the subscription is
// established.
func (d *Distributor) Enable(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		if updated, err := d.Sync(ctx); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded database from redis")
		}
	}()

	go d.subscribe(ctx, ready)
	return ready
}

func (d *Distributor) subscribe(ctx context.Context, ready chan<- struct{}) {
	pubsub := d.client.Subscribe(ctx, distributionChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("geolite redis sync: subscribe failed", "error", err)
		close(ready)
		return
	}
	close(ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload distributionPayload
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				log.Error("geolite redis sync: invalid payload", "error", err)
				continue
			}
			if updated, err := d.Sync(ctx); err != nil {
				log.Error("geolite redis sync: failed to apply update", "error", err)
			} else if updated {
				log.Info("geolite redis sync: applied update", "size", payload.Size)
			}
		}
	}
}
