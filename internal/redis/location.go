package redis

import (
	"context"
	"sort"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/redis/go-redis/v9"

	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
)

const (
	driverLocationKey = "drivers:locations"
	driverMetaPrefix  = "drivers:meta:"
	evictionGuardKey  = "drivers:evict-guard"
)

// evictScript drops a driver's position only if it is still older than the
// cutoff, so a report landing mid-sweep is never lost. Profile fields stay;
// the hash disappears on its own when nothing else is left in it.
var evictScript = redis.NewScript(`
local ts = tonumber(redis.call("HGET", KEYS[2], "updated_at"))
if ts and ts >= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], "heading", "updated_at")
return 1
`)

// LocationStore is a geo.Index backed by a Redis geo set plus one hash per
// driver holding the profile and the last report time. Driver hashes expire
// after the retention period without writes.
type LocationStore struct {
	client    *redis.Client
	clock     clock.Clock
	liveness  time.Duration
	retention time.Duration
}

// NewLocationStore creates a new LocationStore. Zero durations select the defaults.
func NewLocationStore(client *redis.Client, clk clock.Clock, liveness, retention time.Duration) *LocationStore {
	if liveness <= 0 {
		liveness = geo.DefaultLivenessWindow
	}
	if retention < liveness {
		retention = max(geo.DefaultProfileRetention, liveness)
	}
	return &LocationStore{client: client, clock: clk, liveness: liveness, retention: retention}
}

func metaKey(driverID string) string {
	return driverMetaPrefix + driverID
}

// UpsertLocation stores a driver's position using GEOADD and stamps the report time.
func (s *LocationStore) UpsertLocation(ctx context.Context, u geo.PositionUpdate) error {
	if u.DriverID == "" || !u.Location.Valid() {
		return geo.ErrInvalidPosition
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driverLocationKey, &redis.GeoLocation{
			Name:      u.DriverID,
			Longitude: u.Location.Lng,
			Latitude:  u.Location.Lat,
		})
		pipe.HSet(ctx, metaKey(u.DriverID),
			"heading", u.Heading,
			"updated_at", ts.UnixMilli(),
		)
		pipe.Expire(ctx, metaKey(u.DriverID), s.retention)
		return nil
	})
	if err != nil {
		return err
	}

	s.maybeEvict(ctx)
	return nil
}

// UpsertProfile stores the dispatch-relevant profile of a driver.
func (s *LocationStore) UpsertProfile(ctx context.Context, p domain.DriverProfile) error {
	if p.DriverID == "" {
		return geo.ErrInvalidPosition
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(p.DriverID),
			"vehicle_class", string(p.VehicleClass),
			"rating", p.Rating,
			"completed_jobs", p.CompletedJobs,
			"available", strconv.FormatBool(p.Available),
		)
		pipe.Expire(ctx, metaKey(p.DriverID), s.retention)
		return nil
	})
	return err
}

// SetAvailability flips the availability flag of a driver.
func (s *LocationStore) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if driverID == "" {
		return geo.ErrInvalidPosition
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available))
		pipe.Expire(ctx, metaKey(driverID), s.retention)
		return nil
	})
	return err
}

// Query returns live drivers within radiusMeters, nearest first.
func (s *LocationStore) Query(ctx context.Context, center domain.Location, radiusMeters float64, f geo.Filter) ([]domain.DriverCandidate, error) {
	results, err := s.client.GeoRadius(ctx, driverLocationKey, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []domain.DriverCandidate{}, nil
	}

	pipe := s.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(results))
	for i, r := range results {
		metas[i] = pipe.HGetAll(ctx, metaKey(r.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	cutoff := s.clock.Now().Add(-s.liveness)
	out := make([]domain.DriverCandidate, 0, len(results))
	for i, r := range results {
		c := candidateFromMeta(r.Name, metas[i].Val())
		if c.UpdatedAt.Before(cutoff) {
			continue
		}
		c.Location = domain.Location{Lat: r.Latitude, Lng: r.Longitude}
		c.DistanceMeters = r.Dist
		if !f.Matches(c) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// Sweep drops positions whose last report is older than the liveness window.
// Each candidate is re-checked atomically before removal.
func (s *LocationStore) Sweep(ctx context.Context) (int, error) {
	members, err := s.client.ZRange(ctx, driverLocationKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	stamps := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		stamps[i] = pipe.HGet(ctx, metaKey(m), "updated_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-s.liveness).UnixMilli()
	evicted := 0
	for i, m := range members {
		if ms, err := stamps[i].Int64(); err == nil && ms >= cutoff {
			continue
		}
		n, err := evictScript.Run(ctx, s.client, []string{driverLocationKey, metaKey(m)}, m, cutoff).Int()
		if err != nil {
			return evicted, err
		}
		evicted += n
	}
	return evicted, nil
}

// maybeEvict runs a sweep at most once per liveness window across all writers.
func (s *LocationStore) maybeEvict(ctx context.Context) {
	ok, err := s.client.SetNX(ctx, evictionGuardKey, "1", s.liveness).Result()
	if err != nil || !ok {
		return
	}
	_, _ = s.Sweep(ctx)
}

func candidateFromMeta(driverID string, meta map[string]string) domain.DriverCandidate {
	c := domain.DriverCandidate{
		DriverID:     driverID,
		VehicleClass: domain.VehicleClass(meta["vehicle_class"]),
	}
	c.Heading, _ = strconv.ParseFloat(meta["heading"], 64)
	c.Rating, _ = strconv.ParseFloat(meta["rating"], 64)
	c.CompletedJobs, _ = strconv.Atoi(meta["completed_jobs"])
	c.Available, _ = strconv.ParseBool(meta["available"])
	if ms, err := strconv.ParseInt(meta["updated_at"], 10, 64); err == nil {
		c.UpdatedAt = time.UnixMilli(ms)
	}
	return c
}
