package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	jsoniter "github.com/json-iterator/go"

	"github.com/IliaW/capture-worker/config"
)

type CachedClient interface {
	SaveArchiveLink(host string, link string)
	CountCapture(host string)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(strings.Split(cacheConfig.Servers, ",")...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	if err = c.client.Ping(); err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

// SaveArchiveLink remembers the latest uploaded bundle of a host.
func (mc *MemcachedClient) SaveArchiveLink(host string, link string) {
	if link == "" {
		mc.log.Warn("archive link is empty. Skip saving to cache.")
		return
	}
	key := archiveLinkKey(host)
	if err := mc.set(key, link, int32(mc.cfg.TtlForLink.Seconds())); err != nil {
		mc.log.Error("failed to save archive link to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("archive link saved to cache.", slog.String("host", host))
}

// CountCapture increments the number of captures taken for a host within the link ttl.
func (mc *MemcachedClient) CountCapture(host string) {
	key := captureCountKey(host)
	_, err := mc.client.Increment(key, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		err = mc.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte("1"),
			Expiration: int32(mc.cfg.TtlForLink.Seconds()),
		})
		if errors.Is(err, memcache.ErrNotStored) {
			// created concurrently
			_, err = mc.client.Increment(key, 1)
		}
	}
	if err != nil {
		mc.log.Warn("failed to count capture.", slog.String("key", key), slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	if err := mc.client.Close(); err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value any, expiration int32) error {
	byteValue, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	return mc.client.Set(&memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: expiration,
	})
}

// memcached keys are limited to 250 bytes without spaces, hosts are hashed.
func archiveLinkKey(host string) string {
	return fmt.Sprintf("%s-capture-archive", hashHost(host))
}

func captureCountKey(host string) string {
	return fmt.Sprintf("%s-capture-count", hashHost(host))
}

func hashHost(host string) string {
	hash := sha256.Sum256([]byte(host))
	return hex.EncodeToString(hash[:])
}

type NopCachedClient struct{}

func (NopCachedClient) SaveArchiveLink(string, string) {}
func (NopCachedClient) CountCapture(string)            {}
func (NopCachedClient) Close()                         {}
