// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher fans out device-link lifecycle events to Redis for whatever
// fleet-monitoring process is watching this motor controller's channel.
type Publisher struct {
	client  *redis.Client
	ctx     context.Context
	channel string
}

// NewPublisher connects to addr and verifies the connection with a Ping
// before returning, the same eager-connect shape as other small daemons in
// this codebase use for their Redis client.
func NewPublisher(addr, password string, db int, channel string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &Publisher{client: client, ctx: ctx, channel: channel}, nil
}

// PublishLinkStopped announces that the device link's engine has stopped,
// with the terminating status and, if any, its cause.
func (p *Publisher) PublishLinkStopped(status string, cause error) error {
	msg := fmt.Sprintf("stopped:%s", status)
	if cause != nil {
		msg = fmt.Sprintf("%s:%s", msg, cause.Error())
	}
	return p.client.Publish(p.ctx, p.channel, msg).Err()
}

// PublishLinkStarted announces that the device link has come up on device.
func (p *Publisher) PublishLinkStarted(device string) error {
	return p.client.Publish(p.ctx, p.channel, fmt.Sprintf("started:%s", device)).Err()
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
