package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory stores each driver as a hash plus one index set per status,
// so Query(status=available) is a set read rather than a scan. UpdateStatus
// moves the id between index sets in a pipeline.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

func NewRedisDirectory(addr, password, prefix string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, prefix: prefix}
}

func (r *RedisDirectory) driverKey(id string) string { return r.prefix + ":driver:" + id }

func (r *RedisDirectory) statusKey(s models.DriverStatus) string {
	return r.prefix + ":status:" + string(s)
}

func (r *RedisDirectory) Upsert(ctx context.Context, d models.Driver) error {
	d.Updated = time.Now()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.driverKey(d.ID), map[string]interface{}{
		"user_id":       d.UserID,
		"name":          d.Name,
		"phone":         d.Phone,
		"vehicle_plate": d.VehiclePlate,
		"vehicle_model": d.VehicleModel,
		"vehicle_color": d.VehicleColor,
		"status":        string(d.Status),
		"lat":           strconv.FormatFloat(d.Loc.Lat, 'f', -1, 64),
		"lon":           strconv.FormatFloat(d.Loc.Lon, 'f', -1, 64),
		"updated":       d.Updated.Format(time.RFC3339Nano),
	})
	for _, s := range []models.DriverStatus{models.DriverAvailable, models.DriverBusy, models.DriverOffline} {
		if s == d.Status {
			pipe.SAdd(ctx, r.statusKey(s), d.ID)
		} else {
			pipe.SRem(ctx, r.statusKey(s), d.ID)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	return driverFromHash(driverID, m), nil
}

func (r *RedisDirectory) Query(ctx context.Context, f Filter) ([]models.Driver, error) {
	var ids []string
	var err error
	if f.Status != "" {
		ids, err = r.client.SMembers(ctx, r.statusKey(f.Status)).Result()
	} else {
		for _, s := range []models.DriverStatus{models.DriverAvailable, models.DriverBusy, models.DriverOffline} {
			var part []string
			part, err = r.client.SMembers(ctx, r.statusKey(s)).Result()
			if err != nil {
				break
			}
			ids = append(ids, part...)
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if err == ErrDriverNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisDirectory) UpdateStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	exists, err := r.client.Exists(ctx, r.driverKey(driverID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrDriverNotFound
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.driverKey(driverID), "status", string(status), "updated", time.Now().Format(time.RFC3339Nano))
	for _, s := range []models.DriverStatus{models.DriverAvailable, models.DriverBusy, models.DriverOffline} {
		if s == status {
			pipe.SAdd(ctx, r.statusKey(s), driverID)
		} else {
			pipe.SRem(ctx, r.statusKey(s), driverID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisDirectory) Close() error { return r.client.Close() }

func driverFromHash(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:           id,
		UserID:       m["user_id"],
		Name:         m["name"],
		Phone:        m["phone"],
		VehiclePlate: m["vehicle_plate"],
		VehicleModel: m["vehicle_model"],
		VehicleColor: m["vehicle_color"],
		Status:       models.DriverStatus(m["status"]),
	}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		d.Loc.Lon = v
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}
