// Package nsqworker verifies addresses for requests read from an NSQ topic,
// and publishes the results to another topic.
package nsqworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mailverify/config"
	"github.com/mjl-/mailverify/metrics"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/verify"
	"github.com/mjl-/mailverify/verifydb"
)

var metricMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailverify_nsqworker_messages_total",
		Help: "Request messages handled, by result.",
	},
	[]string{
		"result", // ok, invalid, badjson, notopic, publisherror, panic
	},
)

// Request is a verification request message.
type Request struct {
	Email       string `json:"email"`
	Sender      string `json:"sender,omitempty"`       // Optional, configured sender is used if empty.
	ResultTopic string `json:"result-topic,omitempty"` // Optional, configured result topic is used if empty.
}

// Response is published for each request.
type Response struct {
	Email     string `json:"email"`
	AddressOK bool   `json:"address-ok"`
	Failure   string `json:"failure,omitempty"`
	SMTPMsg   string `json:"smtp-msg"` // Last SMTP reply, e.g. "550 5.1.1 no such user".
	Error     string `json:"error,omitempty"`
}

// Publisher sends a message to a topic. *nsq.Producer implements it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Worker handles request messages. It implements nsq.Handler.
type Worker struct {
	Verifier    verify.Verifier
	Publisher   Publisher
	ResultTopic string        // For requests without result topic.
	Timeout     time.Duration // For a single verification. No timeout if zero.
	DB          *verifydb.DB  // If set, results are stored.
	Log         *slog.Logger
}

var _ nsq.Handler = (*Worker)(nil)

var errNoTopic = errors.New("no result topic")

// HandleMessage verifies the address in the request and publishes the result.
// Messages that cannot be answered are dropped. An error is only returned if
// the result could not be published, causing a requeue.
func (w *Worker) HandleMessage(m *nsq.Message) (rerr error) {
	ctx := context.WithValue(context.Background(), mlog.CidKey, mlog.Cid())
	log := mlog.New("nsqworker", w.Log).WithContext(ctx).With(slog.String("msgid", string(m.ID[:])))

	result := "ok"
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic handling message", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Nsqworker)
			result = "panic"
			rerr = fmt.Errorf("panic: %v", x)
		}
		metricMessages.WithLabelValues(result).Inc()
	}()

	var req Request
	var resp Response
	if err := json.Unmarshal(m.Body, &req); err != nil {
		log.Infox("invalid json in request", err, slog.String("body", string(m.Body)))
		result = "badjson"
		resp.Error = fmt.Sprintf("invalid json: %v", err)
	} else {
		resp.Email = req.Email
	}

	topic := req.ResultTopic
	if topic == "" {
		topic = w.ResultTopic
	}
	if topic == "" {
		log.Info("dropping request", slog.Any("err", errNoTopic))
		result = "notopic"
		return nil
	} else if !nsq.IsValidTopicName(topic) {
		log.Info("dropping request with invalid result topic", slog.String("topic", topic))
		result = "notopic"
		return nil
	}

	if resp.Error == "" {
		vctx := ctx
		if w.Timeout > 0 {
			var cancel context.CancelFunc
			vctx, cancel = context.WithTimeout(ctx, w.Timeout)
			defer cancel()
		}
		r := w.Verifier.Check(vctx, req.Email, req.Sender)
		resp.AddressOK = r.Valid
		resp.Failure = string(r.Failure)
		if r.Code != 0 {
			resp.SMTPMsg = strings.TrimSpace(fmt.Sprintf("%d %s", r.Code, r.Line))
		}
		if r.Err != nil {
			resp.Error = r.Err.Error()
		}
		if !r.Valid {
			result = "invalid"
		}
		if w.DB != nil {
			_, err := w.DB.Add(ctx, req.Email, w.Verifier.EffectiveSender(req.Sender), r)
			log.Check(err, "storing verification result")
		}
	}

	buf, err := json.Marshal(resp)
	if err != nil {
		// Not possible for strings and bools.
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := w.Publisher.Publish(topic, buf); err != nil {
		log.Errorx("publishing result", err, slog.String("topic", topic))
		result = "publisherror"
		return fmt.Errorf("publish result: %w", err)
	}
	log.Debug("published result", slog.String("topic", topic), slog.String("email", resp.Email), slog.Bool("ok", resp.AddressOK))
	return nil
}

// Run consumes requests as configured until ctx is canceled, or the consumer
// stops. Results are published with a new producer unless w.Publisher is set.
func Run(ctx context.Context, elog *slog.Logger, conf config.NSQ, w *Worker) error {
	log := mlog.New("nsqworker", elog)
	logger, level := nsqLogger(log)

	cfg := nsq.NewConfig()
	cfg.MaxInFlight = conf.MaxInFlight

	consumer, err := nsq.NewConsumer(conf.RequestTopic, conf.Channel, cfg)
	if err != nil {
		return fmt.Errorf("new consumer: %w", err)
	}
	consumer.SetLogger(logger, level)

	if w.Publisher == nil {
		producer, err := nsq.NewProducer(conf.PublishNSQD, cfg)
		if err != nil {
			return fmt.Errorf("new producer: %w", err)
		}
		producer.SetLogger(logger, level)
		defer producer.Stop()
		w.Publisher = producer
	}
	if w.ResultTopic == "" {
		w.ResultTopic = conf.ResultTopic
	}

	concurrency := conf.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(w, concurrency)

	if len(conf.Lookupd) > 0 {
		err = consumer.ConnectToNSQLookupds(conf.Lookupd)
	} else {
		err = consumer.ConnectToNSQD(conf.NSQD)
	}
	if err != nil {
		consumer.Stop()
		<-consumer.StopChan
		return fmt.Errorf("connecting consumer: %w", err)
	}
	log.Print("consuming verification requests", slog.String("topic", conf.RequestTopic), slog.String("channel", conf.Channel), slog.Int("concurrency", concurrency))

	select {
	case <-ctx.Done():
		log.Print("stopping consumer")
		consumer.Stop()
		<-consumer.StopChan
	case <-consumer.StopChan:
	}
	return nil
}
