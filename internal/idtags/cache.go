// Package idtags loads per-station id-tag lists and issues tags under a
// configured distribution policy.
package idtags

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Distribution policies for picking an id tag.
const (
	DistributionRandom            = "random"
	DistributionRoundRobin        = "round-robin"
	DistributionConnectorAffinity = "connector-affinity"
)

type entry struct {
	tags []string
	next int
}

// Cache caches id-tag list files shared by the stations of one worker host.
type Cache struct {
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache builds an empty id-tags cache.
func NewCache(log *zap.Logger) *Cache {
	return &Cache{log: log, entries: make(map[string]*entry)}
}

// load reads a JSON array of tags from file, caching the result.
func (c *Cache) load(file string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[file]; ok {
		return e, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read id tags file %s: %w", file, err)
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("invalid id tags file %s: %w", file, err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("id tags file %s is empty", file)
	}

	e := &entry{tags: tags}
	c.entries[file] = e
	return e, nil
}

// Tags returns the full tag list of a file.
func (c *Cache) Tags(file string) ([]string, error) {
	e, err := c.load(file)
	if err != nil {
		return nil, err
	}
	return e.tags, nil
}

// Next issues one tag from file under the given distribution policy. For
// connector-affinity the same connector always receives the same tag.
func (c *Cache) Next(file, distribution string, connectorID int) (string, error) {
	e, err := c.load(file)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch distribution {
	case DistributionRandom:
		return e.tags[rand.Intn(len(e.tags))], nil
	case DistributionConnectorAffinity:
		return e.tags[connectorID%len(e.tags)], nil
	case DistributionRoundRobin, "":
		tag := e.tags[e.next%len(e.tags)]
		e.next++
		return tag, nil
	default:
		c.log.Warn("Unknown id tag distribution, falling back to round-robin",
			zap.String("distribution", distribution),
		)
		tag := e.tags[e.next%len(e.tags)]
		e.next++
		return tag, nil
	}
}
