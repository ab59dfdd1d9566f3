package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/messaging/rabbitmq"
	"github.com/kada-mandiya/analytics/tracking/envelope"
	"github.com/kada-mandiya/analytics/tracking/models"
)

var publishTestCmd = &cobra.Command{
	Use:   "publish-test",
	Short: "Publish a sample browsing session as ui.* events",
	Long: `Publish one page view, click, add to cart and begin checkout event per
session to the analytics exchange, wrapped exactly as the tracking API
wraps them. Use --dry-run to print the messages without a broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sessions, _ := cmd.Flags().GetInt("sessions")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		msgs, err := sampleMessages(envelope.Default(), sessions)
		if err != nil {
			return err
		}

		if dryRun {
			return printMessages(cmd, msgs)
		}

		top := rabbitmq.TopologyFromConfig(cfg.RabbitMQ)
		pub := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, top, rabbitmq.BreakerSettings{}, cliLogger().Logger)
		defer pub.Close()
		if err := pub.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}

		for _, m := range msgs {
			if err := pub.Publish(ctx, m); err != nil {
				return fmt.Errorf("failed to publish %s: %w", m.Subject, err)
			}
		}
		if outputFormat(cmd) == output.FormatTable {
			output.Success("Published %d events to %s", len(msgs), top.Exchange)
			return nil
		}
		return printMessages(cmd, msgs)
	},
}

// sampleMessages builds one browsing session per iteration.
func sampleMessages(b envelope.Builder, sessions int) ([]*messaging.Message, error) {
	if sessions < 1 {
		sessions = 1
	}
	meta := envelope.Meta{UserAgent: "kmctl/publish-test"}

	var out []*messaging.Message
	for i := 0; i < sessions; i++ {
		sessionID := uuid.NewString()
		product := fmt.Sprintf("P%03d", i%20+1)
		common := func(page string) models.Common {
			return models.Common{
				SessionID:  sessionID,
				PageURL:    page,
				Properties: map[string]any{"source_type": "publish_test"},
			}
		}
		qty := 1
		events := []struct {
			typ string
			ev  models.Event
		}{
			{models.TypePageView, &models.PageView{Common: common("/products/" + product)}},
			{models.TypeClick, &models.Click{Common: common("/products/" + product), ElementID: "product_image"}},
			{models.TypeAddToCart, &models.AddToCart{Common: common("/products/" + product), ProductID: product, Quantity: &qty}},
			{models.TypeBeginCheckout, &models.BeginCheckout{Common: common("/cart")}},
		}
		for _, e := range events {
			models.Defaults(e.ev)
			env, err := b.Build(e.typ, e.ev, meta)
			if err != nil {
				return nil, err
			}
			msg, err := env.Message()
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// publishedMessage is the printable form of a message.
type publishedMessage struct {
	RoutingKey string         `json:"routing_key" yaml:"routing_key"`
	MessageID  string         `json:"message_id" yaml:"message_id"`
	Body       map[string]any `json:"body" yaml:"body"`
}

func printMessages(cmd *cobra.Command, msgs []*messaging.Message) error {
	printable := make([]publishedMessage, 0, len(msgs))
	for _, m := range msgs {
		var body map[string]any
		if err := json.Unmarshal(m.Data, &body); err != nil {
			return err
		}
		printable = append(printable, publishedMessage{RoutingKey: m.Subject, MessageID: m.MessageID, Body: body})
	}
	return output.Print(outputFormat(cmd), printable, func() *output.Table {
		t := output.NewTable([]string{"ROUTING KEY", "MESSAGE ID", "SESSION"})
		for _, p := range printable {
			session, _ := p.Body["session_id"].(string)
			t.AddRow([]string{p.RoutingKey, p.MessageID, session})
		}
		return t
	})
}

func init() {
	rootCmd.AddCommand(publishTestCmd)
	publishTestCmd.Flags().Int("sessions", 1, "number of sample sessions to publish")
	publishTestCmd.Flags().Bool("dry-run", false, "print the messages instead of publishing")
}
