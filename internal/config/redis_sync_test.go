package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"repsheet/internal/store/storetest"
)

func TestRedisSynchronizationLoadsStoredConfig(t *testing.T) {
	useTempSettings(t)
	conn, mr := storetest.New(t)

	stored := withDefaults(Config{})
	stored.Proxy.Upstream = "http://seeded.test"
	payload, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := mr.Set(redisConfigKey, string(payload)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stop := EnableRedisSynchronization(context.Background(), conn)
	defer stop()

	if got := GetConfig().Proxy.Upstream; got != "http://seeded.test" {
		t.Fatalf("upstream = %q, want value stored in redis", got)
	}
}

func TestRedisSynchronizationPublishesAndReceives(t *testing.T) {
	useTempSettings(t)
	conn, mr := storetest.New(t)

	local := GetConfig()
	local.Proxy.Upstream = "http://local.test"
	configValue.Store(local)

	stop := EnableRedisSynchronization(context.Background(), conn)
	defer stop()

	if !mr.Exists(redisConfigKey) {
		t.Fatal("local configuration was not published on startup")
	}

	remote := GetConfig()
	remote.Proxy.Upstream = "http://remote.test"
	payload, _ := json.Marshal(remote)
	if err := conn.Client().Publish(context.Background(), redisConfigChannel, payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if GetConfig().Proxy.Upstream == "http://remote.test" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("remote update not applied, upstream = %q", GetConfig().Proxy.Upstream)
}
