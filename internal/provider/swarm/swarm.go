// Package swarm imports venue check-ins with their photos.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/provider"
	"trailsync/internal/upsert"
)

const (
	defaultPageSize = 250
	// apiVersion pins the response shape of the check-ins endpoint.
	apiVersion = "20240101"
)

// Adapter pages through the check-ins endpoint by offset, oldest first, so
// check-ins created during the run only ever append to the end.
type Adapter struct {
	client   *provider.Client
	inserter upsert.Inserter[models.CheckIn]
	opts     provider.Options
	log      *slog.Logger
}

func New(client *provider.Client, inserter upsert.Inserter[models.CheckIn], opts provider.Options, log *slog.Logger) *Adapter {
	client.WithRateLimit(rateLimit)
	return &Adapter{
		client:   client,
		inserter: inserter,
		opts:     opts.WithDefaults(defaultPageSize),
		log:      log.With("source", models.SourceSwarm),
	}
}

func (a *Adapter) Source() models.DataSource { return models.SourceSwarm }

func (a *Adapter) IncrementalSync(ctx context.Context, s *provider.Session, since time.Time, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.IncrementalBoundary(since, a.opts.Lookback), obs)
}

func (a *Adapter) FullHistoricalSync(ctx context.Context, s *provider.Session, yearsBack int, obs progress.Observer) (provider.Result, error) {
	return a.run(ctx, s, provider.HistoricalBoundary(a.client.Now(), yearsBack), obs)
}

type checkinsResponse struct {
	Meta struct {
		Code      int    `json:"code"`
		ErrorType string `json:"errorType"`
	} `json:"meta"`
	Response struct {
		Checkins struct {
			Count int       `json:"count"`
			Items []checkin `json:"items"`
		} `json:"checkins"`
	} `json:"response"`
}

type checkin struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	Shout     string `json:"shout"`
	Venue     struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Location struct {
			Lat     float64 `json:"lat"`
			Lng     float64 `json:"lng"`
			City    string  `json:"city"`
			Country string  `json:"country"`
		} `json:"location"`
		Categories []struct {
			Name    string `json:"name"`
			Primary bool   `json:"primary"`
		} `json:"categories"`
	} `json:"venue"`
	Photos struct {
		Items []photo `json:"items"`
	} `json:"photos"`
}

type photo struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	Prefix    string `json:"prefix"`
	Suffix    string `json:"suffix"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (a *Adapter) run(ctx context.Context, s *provider.Session, boundary time.Time, obs progress.Observer) (provider.Result, error) {
	cur := provider.StartCursor(s, boundary, 0, a.log)
	res := provider.Result{Fetched: cur.Fetched}
	var total *int

	for page := 1; page <= a.opts.MaxPages; page++ {
		q := url.Values{}
		q.Set("v", apiVersion)
		q.Set("sort", "oldestfirst")
		q.Set("afterTimestamp", strconv.FormatInt(cur.Since.Unix(), 10))
		q.Set("limit", strconv.Itoa(a.opts.PageSize))
		q.Set("offset", strconv.Itoa(cur.Position))

		var body checkinsResponse
		if _, err := a.client.GetJSON(ctx, s, "list checkins", "/users/self/checkins", q, &body); err != nil {
			return res, err
		}
		items := body.Response.Checkins.Items
		if count := body.Response.Checkins.Count; count > 0 {
			total = &count
		}

		records := make([]models.CheckIn, 0, len(items))
		for _, it := range items {
			records = append(records, toCheckIn(s.UserID, it))
		}
		ins, err := provider.InsertInBatches(ctx, a.inserter, records, a.opts.SubBatchSize, a.log)
		res.Fetched += len(items)
		res.Add(ins)
		if err != nil {
			return res, err
		}

		cur.Position += len(items)
		cur.Fetched = res.Fetched
		obs.Observe(ctx, progress.Update{
			Fetched:       res.Fetched,
			Imported:      res.Imported,
			TotalExpected: total,
			Batch:         page,
			Cursor:        cur.Encode(),
		})

		if len(items) < a.opts.PageSize {
			return res, nil
		}
	}
	a.log.Warn("page cap reached", "user_id", s.UserID, "pages", a.opts.MaxPages)
	return res, nil
}

func toCheckIn(userID string, c checkin) models.CheckIn {
	out := models.CheckIn{
		UserID:      userID,
		DataSource:  models.SourceSwarm,
		ProviderID:  c.ID,
		VenueID:     c.Venue.ID,
		VenueName:   c.Venue.Name,
		Latitude:    c.Venue.Location.Lat,
		Longitude:   c.Venue.Location.Lng,
		City:        c.Venue.Location.City,
		Country:     c.Venue.Location.Country,
		Shout:       c.Shout,
		CheckedInAt: time.Unix(c.CreatedAt, 0).UTC(),
	}
	for i, cat := range c.Venue.Categories {
		if cat.Primary || i == 0 {
			out.VenueCategory = cat.Name
		}
		if cat.Primary {
			break
		}
	}
	for _, p := range c.Photos.Items {
		out.Photos = append(out.Photos, models.Photo{
			ProviderID: p.ID,
			URL:        fmt.Sprintf("%soriginal%s", p.Prefix, p.Suffix),
			Width:      p.Width,
			Height:     p.Height,
			CreatedAt:  time.Unix(p.CreatedAt, 0).UTC(),
		})
	}
	return out
}

// rateLimit recognises both 429 and the 403 quota error the check-ins API
// returns once the hourly budget is spent.
func rateLimit(resp *http.Response, body []byte, now time.Time) (bool, time.Time, string) {
	limited := resp.StatusCode == http.StatusTooManyRequests
	if resp.StatusCode == http.StatusForbidden {
		var env checkinsResponse
		if json.Unmarshal(body, &env) == nil && env.Meta.ErrorType == "rate_limit_exceeded" {
			limited = true
		}
	}
	if !limited {
		return false, time.Time{}, ""
	}
	return true, provider.RetryAfter(resp.Header, now, time.Hour), "hourly"
}
