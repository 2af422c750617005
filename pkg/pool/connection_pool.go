// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pool provides connection pooling for per-BMP control channels used
// by the BMP controller.
package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spalloc/spallocd/pkg/logging"
)

// Conn is a control channel to a single BMP. The BMP controller's
// Transceiver implementations open one per BMP IP and reuse it across
// power/FPGA/blacklist operations.
type Conn interface {
	io.Closer
}

// DialFunc opens a new control channel to the BMP at addr.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

// BMPConnPool manages a pool of per-BMP control channels, keyed by BMP IP
// address, so the controller's serialized per-BMP workers don't redial on
// every operation.
type BMPConnPool struct {
	mu     sync.RWMutex
	conns  map[string]*pooledConn
	config *PoolConfig
	dial   DialFunc
	logger logging.Logger
}

// pooledConn wraps a Conn with usage statistics.
type pooledConn struct {
	conn     Conn
	created  time.Time
	lastUsed time.Time
	useCount int64
	inUse    int32
}

// PoolConfig holds configuration for the BMP connection pool.
type PoolConfig struct {
	// MaxIdleTime is how long an unused connection to a BMP may sit idle
	// before CleanupIdleConns closes it.
	MaxIdleTime time.Duration

	// DialTimeout bounds how long opening a new control channel may take.
	DialTimeout time.Duration
}

// DefaultPoolConfig returns a pool configuration suited to BMP control
// channels: BMPs are few and long-lived relative to HTTP backends, so idle
// connections are kept around generously.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxIdleTime: 15 * time.Minute,
		DialTimeout: 5 * time.Second,
	}
}

// NewBMPConnPool creates a new BMP connection pool. dial is used to open a
// new control channel on a pool miss.
func NewBMPConnPool(config *PoolConfig, dial DialFunc, logger logging.Logger) *BMPConnPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &BMPConnPool{
		conns:  make(map[string]*pooledConn),
		config: config,
		dial:   dial,
		logger: logger,
	}
}

// Get returns a control channel for the BMP at addr, dialing a new one on a
// pool miss.
func (p *BMPConnPool) Get(ctx context.Context, addr string) (Conn, error) {
	p.mu.RLock()
	pc, exists := p.conns[addr]
	p.mu.RUnlock()

	if exists {
		p.mu.Lock()
		pc.lastUsed = time.Now()
		pc.useCount++
		p.mu.Unlock()
		return pc.conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, exists := p.conns[addr]; exists {
		pc.lastUsed = time.Now()
		pc.useCount++
		return pc.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial bmp %s: %w", addr, err)
	}

	pc = &pooledConn{
		conn:     conn,
		created:  time.Now(),
		lastUsed: time.Now(),
		useCount: 1,
	}
	p.conns[addr] = pc
	p.logger.Info("opened bmp control channel", "bmp", addr)

	return conn, nil
}

// Stats returns statistics about the connection pool.
func (p *BMPConnPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalConns: len(p.conns),
		ConnStats:  make(map[string]ConnStats),
	}

	for addr, pc := range p.conns {
		stats.ConnStats[addr] = ConnStats{
			Created:  pc.created,
			LastUsed: pc.lastUsed,
			UseCount: pc.useCount,
		}
	}

	return stats
}

// CleanupIdleConns closes and removes connections unused for longer than
// maxIdleTime, returning the number removed.
func (p *BMPConnPool) CleanupIdleConns(maxIdleTime time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdleTime)

	for addr, pc := range p.conns {
		if pc.lastUsed.Before(cutoff) {
			_ = pc.conn.Close()
			delete(p.conns, addr)
			removed++
			p.logger.Info("closed idle bmp control channel",
				"bmp", addr,
				"idle_duration", time.Since(pc.lastUsed),
			)
		}
	}

	return removed
}

// Close closes every connection in the pool.
func (p *BMPConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, pc := range p.conns {
		_ = pc.conn.Close()
		delete(p.conns, addr)
	}

	p.logger.Info("closed all bmp control channels")
	return nil
}

// PoolStats contains statistics about the connection pool.
type PoolStats struct {
	TotalConns int
	ConnStats  map[string]ConnStats
}

// ConnStats contains statistics for a single connection.
type ConnStats struct {
	Created  time.Time
	LastUsed time.Time
	UseCount int64
}

// Manager runs the pool's idle-connection sweep on a ticker, mirroring the
// BMP controller's other periodic loops.
type Manager struct {
	pool            *BMPConnPool
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          logging.Logger
}

// NewManager creates a new pool lifecycle manager.
func NewManager(pool *BMPConnPool, logger logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	maxIdleTime := 15 * time.Minute
	if pool != nil {
		maxIdleTime = pool.config.MaxIdleTime
	}

	return &Manager{
		pool:            pool,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     maxIdleTime,
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
	}
}

// Start begins the periodic idle-connection sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupRoutine()
}

// Stop halts the sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := m.pool.CleanupIdleConns(m.maxIdleTime)
			if removed > 0 {
				m.logger.Info("cleaned up idle bmp connections", "removed", removed)
			}
		case <-m.ctx.Done():
			return
		}
	}
}
