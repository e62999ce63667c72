package bus

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/kartikn18/letschat/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	roomChannelPrefix  = "letschat.room."
	roomChannelPattern = roomChannelPrefix + "*"
	controlChannel     = "letschat.control"
)

// RedisBus 基于 Redis 发布/订阅实现跨进程扇出。发布端与订阅端使用
// 独立连接（订阅连接由 go-redis 专用化），房间频道与协调频道各占一路订阅，
// 两路建立失败都应让进程启动失败，而不是留到请求期再报错。
type RedisBus struct {
	rdb     *redis.Client
	roomSub *redis.PubSub
	ctlSub  *redis.PubSub
	rooms   chan Envelope
	control chan Envelope
	cancel  context.CancelFunc
}

// NewRedis 建立两路订阅并确认可收，随后启动泵协程。任一失败返回错误。
func NewRedis(ctx context.Context, rdb *redis.Client) (*RedisBus, error) {
	roomSub := rdb.PSubscribe(ctx, roomChannelPattern)
	if _, err := roomSub.Receive(ctx); err != nil {
		_ = roomSub.Close()
		return nil, err
	}
	ctlSub := rdb.Subscribe(ctx, controlChannel)
	if _, err := ctlSub.Receive(ctx); err != nil {
		_ = roomSub.Close()
		_ = ctlSub.Close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		rdb:     rdb,
		roomSub: roomSub,
		ctlSub:  ctlSub,
		rooms:   make(chan Envelope, 256),
		control: make(chan Envelope, 64),
		cancel:  cancel,
	}
	go b.pump(pumpCtx, roomSub, b.rooms)
	go b.pump(pumpCtx, ctlSub, b.control)
	return b, nil
}

func roomChannel(roomID uint) string {
	return roomChannelPrefix + strconv.FormatUint(uint64(roomID), 10)
}

func (b *RedisBus) PublishRoom(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, roomChannel(env.RoomID), data).Err(); err != nil {
		return err
	}
	metrics.BusPublishedTotal.Inc()
	return nil
}

func (b *RedisBus) PublishControl(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, controlChannel, data).Err()
}

func (b *RedisBus) SubscribeRooms() <-chan Envelope { return b.rooms }

func (b *RedisBus) SubscribeControl() <-chan Envelope { return b.control }

func (b *RedisBus) pump(ctx context.Context, sub *redis.PubSub, out chan<- Envelope) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("bus: dropping malformed envelope")
				continue
			}
			metrics.BusReceivedTotal.Inc()
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	err := b.roomSub.Close()
	if err2 := b.ctlSub.Close(); err == nil {
		err = err2
	}
	return err
}
