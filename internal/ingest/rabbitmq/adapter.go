// Package rabbitmq ingests client-submitted transactions from an AMQP
// queue and hands each to the local ordering layer. The worker pool
// and manual-ack loop are adapted from the teacher's rabbitmq adapter,
// but retry policy is this repo's own: a delivery whose submission
// fails with a transient internal/transport.FullChannelError is
// requeued, bounded by maxRedeliveries counted from RabbitMQ's own
// x-death header, after which it is dead-lettered rather than
// requeued forever. A permanent failure — bad payload, or an
// unregistered ordering channel — is dead-lettered immediately. The
// queue is declared with a dead-letter exchange for exactly this
// reason, which the teacher's adapter never set up.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"slogd/internal/domain"

	"github.com/rabbitmq/amqp091-go"
)

// Submitter is the ordering layer's entry point: classify and route a
// freshly-decoded transaction.
type Submitter interface {
	Submit(ctx context.Context, txn *domain.Transaction) error
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int

	// DeadLetterExchange names the exchange holding deliveries this
	// adapter gave up on. Defaults to Exchange+".dlx" if empty.
	DeadLetterExchange string
	// MaxRedeliveries bounds how many times a delivery that fails with
	// a transient submission error is requeued before it is
	// dead-lettered instead. Defaults to 5.
	MaxRedeliveries int

	// Home resolves a default master region for keys whose caller left
	// master_region undeclared. Optional; nil leaves such keys at
	// region 0.
	Home homeLocator
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg       Config
	submitter Submitter
	conn      *amqp091.Connection
	ch        *amqp091.Channel
	deliver   <-chan amqp091.Delivery
	ops       chan deliveryTask
	closed    chan struct{}
	closeErr  atomic.Value
	wg        sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

type jsonKeyOp struct {
	Key string `json:"key"`
	Op  string `json:"op"`
	// MasterRegion is a pointer so an omitted field is distinguishable
	// from an explicit region 0.
	MasterRegion *uint32 `json:"master_region,omitempty"`
	Counter      uint32  `json:"counter"`
}

// homeLocator picks a default master region for a key whose caller
// didn't declare one. Satisfied by *topology.Topology.
type homeLocator interface {
	ClosestReplicas() []uint32
}

type jsonTransaction struct {
	ID       uint64          `json:"id"`
	Keys     []jsonKeyOp     `json:"keys"`
	Payload  json.RawMessage `json:"payload"`
	TenantID string          `json:"tenant_id"`
	Region   uint32          `json:"region"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func (c Config) deadLetterExchange() string {
	if c.DeadLetterExchange != "" {
		return c.DeadLetterExchange
	}
	return c.Exchange + ".dlx"
}

func (c Config) maxRedeliveries() int {
	if c.MaxRedeliveries > 0 {
		return c.MaxRedeliveries
	}
	return 5
}

func NewAdapter(cfg Config, submitter Submitter) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "slogd-rabbitmq"
	}
	return &Adapter{cfg: cfg, submitter: submitter, closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	dlx := a.cfg.deadLetterExchange()
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	dlq := a.cfg.Queue + ".dead"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

// processDelivery submits the decoded transaction and decides the
// delivery's fate. A parse failure is dead-lettered immediately — no
// amount of requeuing fixes a malformed body. A submission failure is
// requeued only while it is both retryable and under
// maxRedeliveries; past that bound, or for a permanent submission
// error, the delivery is dead-lettered instead of nacked-with-requeue
// forever.
func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	txn, err := a.parseDelivery(d)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := a.submitter.Submit(ctx, txn); err != nil {
		if isRetryable(err) && redeliveryCount(d) < a.cfg.maxRedeliveries() {
			_ = d.Nack(false, true)
			return
		}
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// redeliveryCount reads the x-death header RabbitMQ attaches to a
// delivery each time it is nacked-with-requeue and later redelivered,
// so a transaction stuck behind persistent backpressure doesn't
// requeue indefinitely.
func redeliveryCount(d amqp091.Delivery) int {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0
	}
	deaths, ok := raw.([]interface{})
	if !ok {
		return 0
	}
	total := 0
	for _, entry := range deaths {
		table, ok := entry.(amqp091.Table)
		if !ok {
			continue
		}
		switch c := table["count"].(type) {
		case int64:
			total += int(c)
		case int32:
			total += int(c)
		case int:
			total += c
		}
	}
	return total
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (*domain.Transaction, error) {
	var msg jsonTransaction
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal delivery body: %w", err)
	}
	if msg.ID == 0 {
		return nil, fmt.Errorf("missing required transaction id")
	}
	if len(msg.Keys) == 0 {
		return nil, fmt.Errorf("transaction requires at least one key")
	}
	keys := make([]domain.KeyOp, 0, len(msg.Keys))
	for _, k := range msg.Keys {
		op := domain.Read
		if k.Op == "write" {
			op = domain.Write
		}
		keys = append(keys, domain.KeyOp{
			Key: k.Key,
			Op:  op,
			Metadata: domain.MasterMetadata{
				MasterRegion: defaultMasterRegion(k.MasterRegion, a.cfg.Home),
				Counter:      k.Counter,
			},
		})
	}
	txn := &domain.Transaction{
		ID:       msg.ID,
		Keys:     keys,
		Payload:  append([]byte(nil), msg.Payload...),
		TenantID: msg.TenantID,
		Region:   msg.Region,
	}
	txn.Classify()
	return txn, nil
}

// defaultMasterRegion returns declared when the caller pinned one, and
// otherwise falls back to the nearest replica from home, so a key with
// no declared master lands on a low-latency home instead of always
// defaulting to region 0.
func defaultMasterRegion(declared *uint32, home homeLocator) uint32 {
	if declared != nil {
		return *declared
	}
	if home == nil {
		return 0
	}
	closest := home.ClosestReplicas()
	if len(closest) == 0 {
		return 0
	}
	return closest[0]
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

type retryable interface{ Temporary() bool }

// isRetryable reports whether err is transient — currently
// *transport.FullChannelError, satisfied structurally without an
// import cycle — as opposed to a permanent wiring error like
// *transport.UnregisteredChannelError, which does not implement
// Temporary and so is never retried.
func isRetryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
