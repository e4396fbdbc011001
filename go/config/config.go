// Package config holds the deployment configuration, loaded from a
// JSON5 file.
package config

import (
	"os"
	"reflect"

	"github.com/flynn/json5"
	"github.com/pkg/errors"
)

// StoreType selects the backing store implementation.
type StoreType string

const (
	// MemoryStore keeps everything in process memory. Local use only.
	MemoryStore StoreType = "memory"

	// SQLStore uses PostgreSQL.
	SQLStore StoreType = "sql"
)

// QueueType selects the recalculation queue implementation.
type QueueType string

const (
	// MemoryQueue is an in-process queue. Local use only; the server
	// and worker must run in the same process.
	MemoryQueue QueueType = "memory"

	// RedisQueue uses Redis lists.
	RedisQueue QueueType = "redis"

	// PubSubQueue uses Google Cloud Pub/Sub.
	PubSubQueue QueueType = "pubsub"
)

// InstanceConfig describes one deployment.
type InstanceConfig struct {
	// StoreType selects the backing store, "memory" or "sql".
	StoreType StoreType `json:"store_type"`

	// DatabaseURL is the PostgreSQL connection string, e.g.
	// "postgres://cascade@localhost:5432/cascade". Required when
	// store_type is "sql".
	DatabaseURL string `json:"database_url" optional:"true"`

	// QueueType selects the recalculation queue, "memory", "redis" or
	// "pubsub".
	QueueType QueueType `json:"queue_type"`

	// RedisAddress is the host:port of the Redis server. Required when
	// queue_type is "redis".
	RedisAddress string `json:"redis_address" optional:"true"`

	// PubSubProject is the GCP project that holds the Pub/Sub topic.
	// Required when queue_type is "pubsub".
	PubSubProject string `json:"pubsub_project" optional:"true"`

	// Port is the address the API server listens on, e.g. ":8000".
	Port string `json:"port"`

	// PromPort is the address the metrics server listens on, e.g.
	// ":20000".
	PromPort string `json:"prom_port"`

	// AuthHeader is the request header the auth proxy sets to the
	// logged in user's email. Leave empty to use the default.
	AuthHeader string `json:"auth_header" optional:"true"`

	// MaxConcurrentRecalcs caps how many recalculation jobs a worker
	// runs at once. Zero means the default of 10.
	MaxConcurrentRecalcs int `json:"max_concurrent_recalcs" optional:"true"`

	// RecalcTimeoutSeconds bounds a single recalculation job. Zero
	// means the default of 300.
	RecalcTimeoutSeconds int `json:"recalc_timeout_seconds" optional:"true"`

	// Local is true if running locally (not in production).
	Local bool `json:"local"`
}

// Validate returns an error if the configuration is internally
// inconsistent, i.e. a store or queue type is selected without the
// settings it needs.
func (c *InstanceConfig) Validate() error {
	switch c.StoreType {
	case MemoryStore:
		// A worker in another process would see a different, empty
		// store, so the in-memory store only pairs with the in-process
		// queue.
		if c.QueueType != MemoryQueue {
			return errors.New("store_type \"memory\" only works with queue_type \"memory\"")
		}
	case SQLStore:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when store_type is \"sql\"")
		}
	default:
		return errors.Errorf("unknown store_type: %q", c.StoreType)
	}
	switch c.QueueType {
	case MemoryQueue:
		if c.StoreType != MemoryStore {
			return errors.New("queue_type \"memory\" only works with store_type \"memory\"")
		}
	case RedisQueue:
		if c.RedisAddress == "" {
			return errors.New("redis_address is required when queue_type is \"redis\"")
		}
	case PubSubQueue:
		if c.PubSubProject == "" {
			return errors.New("pubsub_project is required when queue_type is \"pubsub\"")
		}
	default:
		return errors.Errorf("unknown queue_type: %q", c.QueueType)
	}
	return nil
}

// LoadFromJSON5 reads the contents of path and tries to decode the
// JSON5 there into the provided struct. The passed in struct pointer is
// expected to have "json" struct tags for all fields. An error will be
// returned if any non-struct, non-bool field is its zero value *unless*
// it is tagged with `optional:"true"`.
func LoadFromJSON5(dst interface{}, path string) error {
	rType := reflect.TypeOf(dst).Elem()
	if rType.Kind() != reflect.Struct {
		return errors.Errorf("input must be a pointer to a struct, got %T", dst)
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening config file %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := json5.NewDecoder(f).Decode(dst); err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	rValue := reflect.Indirect(reflect.ValueOf(dst))
	return checkRequired(rValue)
}

// checkRequired returns an error if any non-struct, non-bool fields of
// the given value have a zero value *unless* they have an optional tag
// with value true.
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rValue.NumField(); i++ {
		field := rType.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := checkRequired(rValue.Field(i)); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Bool {
			// Booleans aren't compared against their zero value, since
			// that would effectively require them to always be true.
			continue
		}
		if field.Tag.Get("json") == "" {
			continue
		}
		if field.Tag.Get("optional") == "true" {
			continue
		}
		// Defaults to being required.
		if rValue.Field(i).IsZero() {
			return errors.Errorf("required %s to be non-zero", field.Name)
		}
	}
	return nil
}
