package alert

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// FCM pushes alerts to a topic that operator devices subscribe to.
type FCM struct {
	client *messaging.Client
	topic  string
	log    *logrus.Logger
}

func NewFCM(ctx context.Context, credentialsJSON []byte, topic string, log *logrus.Logger) (*FCM, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{}, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("firebase init failed: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client init failed: %w", err)
	}
	return &FCM{client: client, topic: topic, log: log}, nil
}

func (f *FCM) Notify(ctx context.Context, a Alert) error {
	resp, err := f.client.Send(ctx, message(f.topic, a))
	if err != nil {
		return fmt.Errorf("FCM send failed: %w", err)
	}
	f.log.WithField("config_id", a.ConfigID).Infof("[ALERT] ✅ FCM sent to topic %s → msg ID: %s", f.topic, resp)
	return nil
}

func message(topic string, a Alert) *messaging.Message {
	return &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: a.Title(),
			Body:  a.Body(),
		},
		Data: map[string]string{
			"config_id":  a.ConfigID,
			"row_number": strconv.Itoa(a.RowNumber),
			"entity_id":  a.EntityID,
			"reason":     string(a.Reason),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}
