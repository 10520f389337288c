package presence

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type topicSubscriber interface {
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// FCMRegistrar subscribes courier tokens to the offer topic with the
// firebase admin SDK.
type FCMRegistrar struct {
	client topicSubscriber
	topic  string
}

func NewFCMRegistrar(ctx context.Context, credentialsFile, projectID, topic string) (*FCMRegistrar, error) {
	if topic == "" {
		return nil, errors.New("fcm registrar: topic required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMRegistrar{client: client, topic: topic}, nil
}

func (r *FCMRegistrar) Register(ctx context.Context, token string) error {
	resp, err := r.client.SubscribeToTopic(ctx, []string{token}, r.topic)
	if err != nil {
		return fmt.Errorf("subscribing token to %s: %w", r.topic, err)
	}
	if resp != nil && resp.FailureCount > 0 {
		reason := "unknown"
		if len(resp.Errors) > 0 && resp.Errors[0] != nil {
			reason = resp.Errors[0].Reason
		}
		return fmt.Errorf("subscribing token to %s: %s", r.topic, reason)
	}
	return nil
}

// StaticPlatform is a Platform for headless couriers whose device token is
// provisioned out of band. Permission is granted iff a token is set.
type StaticPlatform struct {
	DeviceToken string
}

func (p StaticPlatform) RequestPermission(context.Context) (bool, error) {
	return p.DeviceToken != "", nil
}

func (p StaticPlatform) Token(context.Context) (string, error) {
	if p.DeviceToken == "" {
		return "", errors.New("no device token")
	}
	return p.DeviceToken, nil
}
