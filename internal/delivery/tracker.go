package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/redisx"
)

// Tracker keeps the latest driver position per order in Redis. Positions
// are overwritten on every report; there is no history.
type Tracker struct {
	Redis *redis.Client
}

func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func (t *Tracker) UpdateLocation(ctx context.Context, orderID, driverID string, lat, lng float64) error {
	if orderID == "" || driverID == "" {
		return fmt.Errorf("order and driver required: %w", errs.ErrValidation)
	}
	if !ValidCoordinates(lat, lng) {
		return fmt.Errorf("(%f, %f): %w", lat, lng, errs.ErrInvalidCoordinates)
	}

	loc := Location{
		OrderID:   orderID,
		DriverID:  driverID,
		Lat:       lat,
		Lng:       lng,
		UpdatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}

	// Same document under both lookup paths.
	pipe := t.Redis.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(redisx.KeyOrderLocation, orderID), b, redisx.TTLLocation)
	pipe.Set(ctx, fmt.Sprintf(redisx.KeyDriverLocation, driverID), b, redisx.TTLLocation)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *Tracker) GetLocation(ctx context.Context, orderID string) (Location, error) {
	return t.getLoc(ctx, fmt.Sprintf(redisx.KeyOrderLocation, orderID))
}

func (t *Tracker) GetDriverLocation(ctx context.Context, driverID string) (Location, error) {
	return t.getLoc(ctx, fmt.Sprintf(redisx.KeyDriverLocation, driverID))
}

func (t *Tracker) getLoc(ctx context.Context, key string) (Location, error) {
	b, err := t.Redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Location{}, fmt.Errorf("no position reported: %w", errs.ErrNotFound)
	}
	if err != nil {
		return Location{}, err
	}
	var loc Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return Location{}, err
	}
	return loc, nil
}
