package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores read-side query results. Values are JSON encoded.
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// PrefixLists covers every cached list. Single donation entries are not lists.
const PrefixLists = "list:"

func AvailableKey() string { return PrefixLists + "available" }

func AvailableTasksKey() string { return PrefixLists + "tasks:available" }

func ReservationsKey(ngoID string) string {
	return fmt.Sprintf("%sreservations:%s", PrefixLists, ngoID)
}

func VolunteerTasksKey(volunteerID string) string {
	return fmt.Sprintf("%svolunteer:%s", PrefixLists, volunteerID)
}

func DonorKey(donorID string) string { return fmt.Sprintf("%sdonor:%s", PrefixLists, donorID) }

func DonationKey(id string) string { return fmt.Sprintf("donation:%s", id) }

// Nop never stores anything. Every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string, any) error                { return ErrMiss }
func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Delete(context.Context, ...string) error               { return nil }
func (Nop) DeletePrefix(context.Context, string) error            { return nil }
func (Nop) Close() error                                          { return nil }

// Options selects and configures a cache implementation.
type Options struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// New builds the cache named by opts.Driver: none, memory or redis.
func New(opts Options) (Cache, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(opts)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}
