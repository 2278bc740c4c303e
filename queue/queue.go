package queue

import (
	"context"
	"os"
	"time"

	"artflow-server/core"
	"artflow-server/queue/memory"
	"artflow-server/queue/redis"

	"github.com/sirupsen/logrus"
)

// Get selects the durable queue from the environment. A nil return
// means persistence is disabled: the live path keeps working and
// buffered events are dropped on flush.
func Get() core.EventQueue {
	queueType := os.Getenv("QUEUE_TYPE")

	queueField := logrus.Fields{
		"queueType": queueType,
	}

	switch queueType {
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		key := os.Getenv("QUEUE_KEY")
		queueField["addr"] = addr
		q := redis.New(addr, os.Getenv("REDIS_PASSWORD"), key)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Ping(ctx); err != nil {
			logrus.WithFields(queueField).WithField("error", err).Error("Failed to connect to Redis, persistence disabled")
			_ = q.Close()
			return nil
		}
		logrus.WithFields(queueField).Info("Use queue")
		return q
	case "memory":
		logrus.WithFields(queueField).Info("Use queue")
		return memory.New()
	default:
		logrus.Info("No queue configured, persistence disabled")
		return nil
	}
}
