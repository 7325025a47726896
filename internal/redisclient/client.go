package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve.lua
var reserveScript string

//go:embed scripts/release.lua
var releaseScript string

//go:embed scripts/finalize.lua
var finalizeScript string

//go:embed scripts/unlock.lua
var unlockScript string

// Client is the Redis side of the service: an alternative capacity ledger,
// the webhook dedupe fast path and the sweep leader lock.
type Client struct {
	rdb            *redis.Client
	reserveScript  *redis.Script
	releaseScript  *redis.Script
	finalizeScript *redis.Script
	unlockScript   *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		reserveScript:  redis.NewScript(reserveScript),
		releaseScript:  redis.NewScript(releaseScript),
		finalizeScript: redis.NewScript(finalizeScript),
		unlockScript:   redis.NewScript(unlockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

func dayKeys(unitID string, window models.Window) []string {
	days := window.DayKeys()
	keys := make([]string, len(days))
	for i, day := range days {
		keys[i] = fmt.Sprintf("capacity:%s:%s", unitID, day)
	}
	return keys
}

// ReserveCapacity checks and increments every day counter of the window in
// one script run. Returns false with the remaining capacity when any day
// would exceed the unit total.
func (c *Client) ReserveCapacity(ctx context.Context, unit *models.BookableUnit, res *models.Reservation) (bool, int, error) {
	window := res.Window()
	keys := []string{reservationKey(res.ID)}
	unlimited := "0"
	if unit.Unlimited() {
		unlimited = "1"
	} else {
		keys = append(keys, dayKeys(unit.ID, window)...)
	}

	now := time.Now().UTC()
	result, err := c.reserveScript.Run(ctx, c.rdb, keys,
		res.Quantity, unit.TotalQuantity, unit.ID, res.BookingID,
		window.DayKeys()[0], res.Days, unlimited, now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("reserve script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected script result type")
	}
	code, _ := values[0].(int64)
	remaining, _ := values[1].(int64)

	switch code {
	case -1:
		return false, 0, fmt.Errorf("reservation %s already exists", res.ID)
	case 0:
		if remaining < 0 {
			remaining = 0
		}
		return false, int(remaining), nil
	}

	res.Status = models.ReservationHeld
	res.CreatedAt, res.UpdatedAt = now, now
	if unit.Unlimited() {
		return true, models.UnlimitedCapacity, nil
	}
	return true, int(remaining), nil
}

// ReleaseCapacity gives the reservation's quantity back. A second call
// returns false without error.
func (c *Client) ReleaseCapacity(ctx context.Context, reservationID string) (bool, error) {
	res, err := c.loadReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}

	keys := []string{reservationKey(reservationID)}
	if !res.unlimited {
		keys = append(keys, dayKeys(res.UnitID, res.Window())...)
	}

	code, err := c.releaseScript.Run(ctx, c.rdb, keys).Int64()
	if err != nil {
		return false, fmt.Errorf("release script failed: %w", err)
	}
	if code == -1 {
		return false, fmt.Errorf("reservation %s: %w", reservationID, store.ErrNotFound)
	}
	return code == 1, nil
}

// FinalizeCapacity marks a held reservation finalized
func (c *Client) FinalizeCapacity(ctx context.Context, reservationID string) error {
	code, err := c.finalizeScript.Run(ctx, c.rdb, []string{reservationKey(reservationID)}).Int64()
	if err != nil {
		return fmt.Errorf("finalize script failed: %w", err)
	}

	switch code {
	case -1:
		return fmt.Errorf("reservation %s: %w", reservationID, store.ErrNotFound)
	case -2:
		return fmt.Errorf("reservation %s: %w", reservationID, store.ErrReservationReleased)
	}
	return nil
}

// RemainingCapacity reads every day counter of the window
func (c *Client) RemainingCapacity(ctx context.Context, unit *models.BookableUnit, window models.Window) (int, error) {
	if unit.Unlimited() {
		return models.UnlimitedCapacity, nil
	}

	values, err := c.rdb.MGet(ctx, dayKeys(unit.ID, window)...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read capacity: %w", err)
	}

	peak := 0
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if used, _ := strconv.Atoi(s); used > peak {
			peak = used
		}
	}

	if remaining := unit.TotalQuantity - peak; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

type storedReservation struct {
	models.Reservation
	unlimited bool
}

// GetReservation loads a reservation by its handle
func (c *Client) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	stored, err := c.loadReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &stored.Reservation, nil
}

func (c *Client) loadReservation(ctx context.Context, id string) (*storedReservation, error) {
	fields, err := c.rdb.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}

	window, err := models.ParseWindow(fields["start_date"], atoi(fields["days"]))
	if err != nil {
		return nil, fmt.Errorf("corrupt reservation %s: %w", id, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])

	return &storedReservation{
		Reservation: models.Reservation{
			ID:        id,
			UnitID:    fields["unit_id"],
			BookingID: fields["booking_id"],
			StartDate: window.Start,
			Days:      window.Days,
			Quantity:  atoi(fields["quantity"]),
			Status:    models.ReservationStatus(fields["status"]),
			CreatedAt: created,
		},
		unlimited: fields["unlimited"] == "1",
	}, nil
}

// ClaimEvent records key for ttl and reports whether this caller claimed it
// first. Used as a fast-path filter for redelivered gateway events.
func (c *Client) ClaimEvent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), "1", ttl).Result()
}

// ForgetEvent drops a claim so that a failed delivery can be retried
func (c *Client) ForgetEvent(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases the lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	err := c.unlockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
