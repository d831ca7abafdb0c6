package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// AzureClient consumes gate scan messages from an Azure Service Bus
// queue. Gate devices publish into a session per device, which keeps
// scans from one device ordered.
type AzureClient struct {
	client *azservicebus.Client
}

func NewAzureClient(connStr string) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}

	return &AzureClient{client: client}, nil
}

// StartConsumers accepts queue sessions until ctx is cancelled, handing
// each session to the processor on its own goroutine.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				time.Sleep(2 * time.Second)
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			return
		}

		if len(messages) == 0 {
			// Session drained.
			return
		}

		for _, message := range messages {
			err := processor.ProcessMessage(ctx, message)
			if err != nil {
				log.Error().Err(err).Msgf("Error processing message '%s'", message.MessageID)
				if err = receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Msgf("(AbandonMessage) err: %v", err)
				}
				continue
			}

			if err = receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Msgf("(CompleteMessage) err: %v", err)
			}
		}
	}
}
