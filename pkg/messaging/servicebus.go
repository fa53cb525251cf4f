package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceBusBroker implements Broker on Azure Service Bus. Service Bus has no
// exchanges, so routing is resolved against the declared topology and every
// primary queue becomes a Service Bus queue. Dead-letter queues map onto each
// queue's native $deadletterqueue sub-queue.
type ServiceBusBroker struct {
	client *azservicebus.Client
	admin  *admin.Client

	mu       sync.RWMutex
	topology Topology
	senders  map[string]*azservicebus.Sender
}

// NewServiceBusBroker connects using cfg.ConnectionString.
func NewServiceBusBroker(cfg Config) (*ServiceBusBroker, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	adminClient, err := admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus admin client")
	}

	return &ServiceBusBroker{
		client:  client,
		admin:   adminClient,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

// isoDuration renders d in the ISO 8601 form the admin API expects.
func isoDuration(d time.Duration) string {
	return fmt.Sprintf("PT%gS", d.Seconds())
}

func (s *ServiceBusBroker) Declare(ctx context.Context, topology Topology) error {
	for _, q := range topology.Queues {
		if q.IsDeadLetter() {
			continue
		}

		existing, err := s.admin.GetQueue(ctx, q.Name, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to look up queue %s", q.Name)
		}
		if existing != nil {
			continue
		}

		props := &admin.QueueProperties{
			DeadLetteringOnMessageExpiration: to.Ptr(true),
		}
		if q.MessageTTL > 0 {
			props.DefaultMessageTimeToLive = to.Ptr(isoDuration(q.MessageTTL))
		}

		log.Info().Str("queue", q.Name).Dur("ttl", q.MessageTTL).Msg("Creating Service Bus queue")
		if _, err := s.admin.CreateQueue(ctx, q.Name, &admin.CreateQueueOptions{Properties: props}); err != nil {
			return errors.Wrapf(err, "failed to create queue %s", q.Name)
		}
	}

	s.mu.Lock()
	s.topology = topology
	s.mu.Unlock()
	return nil
}

func (s *ServiceBusBroker) sender(queue string) (*azservicebus.Sender, error) {
	s.mu.RLock()
	sender, ok := s.senders[queue]
	s.mu.RUnlock()
	if ok {
		return sender, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok = s.senders[queue]; ok {
		return sender, nil
	}
	sender, err := s.client.NewSender(queue, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for queue %s", queue)
	}
	s.senders[queue] = sender
	return sender, nil
}

func (s *ServiceBusBroker) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	s.mu.RLock()
	topology := s.topology
	s.mu.RUnlock()
	targets := topology.Route(exchange, routingKey)
	if len(targets) == 0 {
		return errors.Wrapf(ErrUnroutable, "%s/%s", exchange, routingKey)
	}
	// dead-letter queues exist only as sub-queues written by the service
	for _, queue := range targets {
		if def, ok := topology.Queue(queue); ok && def.IsDeadLetter() {
			return errors.Wrapf(ErrDeadLetterTarget, "%s/%s", exchange, routingKey)
		}
	}

	for _, queue := range targets {
		sender, err := s.sender(queue)
		if err != nil {
			return err
		}
		sbMessage := &azservicebus.Message{
			Body:        msg.Body,
			ContentType: to.Ptr(msg.ContentType),
			MessageID:   to.Ptr(msg.ID),
			Subject:     to.Ptr(routingKey),
			ApplicationProperties: map[string]interface{}{
				"exchange": exchange,
				"time":     msg.Timestamp.UTC().Format(time.RFC3339),
			},
		}
		if err := sender.SendMessage(ctx, sbMessage, nil); err != nil {
			return errors.Wrapf(err, "failed to send message to %s", queue)
		}
	}
	return nil
}

// Consume reads queue in peek-lock mode. Dead-letter queue names are read from
// the owning queue's dead-letter sub-queue.
func (s *ServiceBusBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	name := queue
	opts := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	s.mu.RLock()
	def, ok := s.topology.Queue(queue)
	s.mu.RUnlock()
	deadLetter := ok && def.IsDeadLetter()
	if deadLetter {
		name = def.DeadLetterOf
		opts.SubQueue = azservicebus.SubQueueDeadLetter
	}

	receiver, err := s.client.NewReceiverForQueue(name, opts)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", queue)
	}
	defer receiver.Close(context.Background())

	// a message already handed to the handler is settled even after ctx ends
	settleCtx := context.WithoutCancel(ctx)

	for {
		messages, err := receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to receive from %s", queue)
		}

		for _, received := range messages {
			msg := Message{
				ID:   received.MessageID,
				Body: received.Body,
			}
			if received.Subject != nil {
				msg.RoutingKey = *received.Subject
			}
			if received.ContentType != nil {
				msg.ContentType = *received.ContentType
			}
			if received.EnqueuedTime != nil {
				msg.Timestamp = *received.EnqueuedTime
			}

			if err := handler(ctx, msg); err != nil {
				if deadLetter {
					// a dead letter that fails again stays where it is
					if abErr := receiver.AbandonMessage(settleCtx, received, nil); abErr != nil {
						return errors.Wrap(abErr, "failed to abandon dead-lettered message")
					}
					continue
				}
				if dlErr := receiver.DeadLetterMessage(settleCtx, received, &azservicebus.DeadLetterOptions{
					Reason:           to.Ptr("HandlerFailed"),
					ErrorDescription: to.Ptr(err.Error()),
				}); dlErr != nil {
					return errors.Wrap(dlErr, "failed to dead-letter message")
				}
				continue
			}
			if err := receiver.CompleteMessage(settleCtx, received, nil); err != nil {
				return errors.Wrap(err, "failed to complete message")
			}
		}
	}
}

// QueueDepth reports active messages for primary queues and the dead-letter
// sub-queue count for dead-letter queue names.
func (s *ServiceBusBroker) QueueDepth(ctx context.Context, queue string) (int, error) {
	s.mu.RLock()
	def, ok := s.topology.Queue(queue)
	s.mu.RUnlock()
	if !ok {
		return 0, errors.Errorf("queue %s not declared", queue)
	}

	name := queue
	if def.IsDeadLetter() {
		name = def.DeadLetterOf
	}
	props, err := s.admin.GetQueueRuntimeProperties(ctx, name, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get runtime properties for %s", name)
	}
	if props == nil {
		return 0, errors.Errorf("queue %s does not exist", name)
	}
	if def.IsDeadLetter() {
		return int(props.DeadLetterMessageCount), nil
	}
	return int(props.ActiveMessageCount), nil
}

func (s *ServiceBusBroker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for queue, sender := range s.senders {
		if err := sender.Close(context.Background()); err != nil {
			log.Warn().Err(err).Str("queue", queue).Msg("Failed to close Service Bus sender")
		}
	}
	s.senders = map[string]*azservicebus.Sender{}
	return s.client.Close(context.Background())
}
