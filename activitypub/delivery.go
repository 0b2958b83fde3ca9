package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/util"
)

const (
	maxDeliveryAttempts = 10
	deliveryBatchSize   = 50
	deliveryTimeout     = 30 * time.Second
	deliveryClaimLease  = 2 * time.Minute
)

// backoffSchedule holds the retry delays, precomputed once: an initial
// 5 seconds growing by a factor of 3.5 per attempt, rounded to whole
// seconds. Attempts beyond the table reuse the last entry.
var backoffSchedule = func() []time.Duration {
	schedule := make([]time.Duration, maxDeliveryAttempts)
	for i := range schedule {
		seconds := math.Round(5 * math.Pow(3.5, float64(i)))
		schedule[i] = time.Duration(seconds) * time.Second
	}
	return schedule
}()

// BackoffDelay returns the wait before retry number attempt (1-based).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// DeliveryWorker drains the delivery queue: sign each job with its
// actor's key, POST it to the inbox, and on failure reschedule with
// backoff until the attempt cap abandons it.
type DeliveryWorker struct {
	DB     *db.DB
	Host   string
	Client *http.Client
}

func NewDeliveryWorker(d *db.DB, host string) *DeliveryWorker {
	client := NewFederationClient()
	client.Timeout = deliveryTimeout
	return &DeliveryWorker{DB: d, Host: host, Client: client}
}

// Start polls the queue until the context is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context, interval time.Duration) {
	slog.Info("starting delivery worker", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due deliveries.
func (w *DeliveryWorker) RunOnce(ctx context.Context) {
	err, items := w.DB.ClaimPendingDeliveries(deliveryBatchSize, deliveryClaimLease)
	if err != nil {
		slog.Error("failed to claim delivery batch", "err", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	for i := range *items {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, &(*items)[i])
	}

	if err, depth := w.DB.CountPendingDeliveries(); err == nil {
		metrics.DeliveryQueueDepth.Set(float64(depth))
	}
}

// process runs one job to its next state: done, rescheduled or
// abandoned.
func (w *DeliveryWorker) process(ctx context.Context, item *domain.DeliveryQueueItem) {
	err := w.deliver(ctx, item)
	if err == nil {
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		if derr := w.DB.DeleteDelivery(item.Id); derr != nil {
			slog.Error("failed to ack delivery", "id", item.Id, "err", derr)
		}
		return
	}

	item.Attempts++
	if item.Attempts >= maxDeliveryAttempts {
		metrics.Deliveries.WithLabelValues("abandoned").Inc()
		slog.Warn("abandoning delivery",
			"inbox", item.InboxURI, "attempts", item.Attempts, "err", err)
		if derr := w.DB.DeleteDelivery(item.Id); derr != nil {
			slog.Error("failed to drop abandoned delivery", "id", item.Id, "err", derr)
		}
		return
	}

	delay := BackoffDelay(item.Attempts)
	metrics.Deliveries.WithLabelValues("retried").Inc()
	slog.Info("delivery failed, rescheduling",
		"inbox", item.InboxURI, "attempt", item.Attempts, "retry_in", delay, "err", err)
	if derr := w.DB.UpdateDeliveryAttempt(item.Id, item.Attempts, time.Now().Add(delay)); derr != nil {
		slog.Error("failed to reschedule delivery", "id", item.Id, "err", derr)
	}
}

// deliver signs and POSTs one activity to its inbox.
func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	err, signer := w.DB.ReadAccById(item.SigningAccountId)
	if err != nil {
		return fmt.Errorf("failed to load signing account: %w", err)
	}
	if signer == nil {
		return fmt.Errorf("signing account %s no longer exists", item.SigningAccountId)
	}

	privateKey, err := ParsePrivateKey(signer.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, "POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeActivity)
	req.Header.Set("Accept", contentTypeActivity)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, privateKey, KeyID(w.Host, signer.Username), body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
