// Package logpub publishes per-message disposition entries to AMQP for
// the charting and audit consumers.
package logpub

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/jawr/mailauth/internal/logger"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	pool  sync.Pool
}

// Dial connects and declares the durable queue entries land on.
func Dial(url, queue string) (*Publisher, error) {
	if len(queue) == 0 {
		queue = "dispositions"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.WithMessage(err, "amqp.Dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "Channel")
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "QueueDeclare")
	}

	p := Publisher{
		conn:  conn,
		ch:    ch,
		queue: queue,
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
	return &p, nil
}

// Add publishes one entry.
func (p *Publisher) Add(entry logger.Entry) error {
	b := p.pool.Get().(*bytes.Buffer)
	defer p.pool.Put(b)
	b.Reset()

	if err := json.NewEncoder(b).Encode(entry); err != nil {
		return errors.WithMessage(err, "Encode")
	}

	msg := amqp.Publishing{
		Timestamp:   time.Now(),
		ContentType: "application/json",
		Body:        b.Bytes(),
	}

	err := p.ch.Publish(
		"",
		p.queue,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return errors.WithMessage(err, "Publish")
	}

	return nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return errors.WithMessage(err, "Channel.Close")
	}
	return p.conn.Close()
}
