package admin

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tradefinance-backend/internal/leads"
)

// Store runs the reporting reads over the leads collection.
type Store interface {
	Overview(ctx context.Context, todayStart, weekStart time.Time) (Overview, error)
	Activity(ctx context.Context, since time.Time, loc *time.Location) (Activity, error)
	DigestCounts(ctx context.Context, window DigestWindow) (DigestCounts, error)
	HotLeads(ctx context.Context, since time.Time, limit int64) ([]leads.Lead, error)
	Stream(ctx context.Context, filter leads.ListFilter, fn func(leads.Lead) error) error
}

type MongoStore struct {
	col *mongo.Collection
}

func NewStore(col *mongo.Collection) *MongoStore {
	return &MongoStore{col: col}
}

func groupCount(field interface{}) bson.A {
	return bson.A{
		bson.M{"$group": bson.M{"_id": field, "count": bson.M{"$sum": 1}}},
		bson.M{"$sort": bson.M{"count": -1}},
	}
}

func countIf(cond bson.M) bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{cond, 1, 0}}}
}

func openPipelineSum() bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{
		bson.M{"$in": bson.A{"$status", leads.OpenStatuses}},
		"$finance_request.amount",
		0,
	}}}
}

func toMap(buckets []Bucket) map[string]int64 {
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		if b.Key == "" {
			continue
		}
		out[b.Key] = b.Count
	}
	return out
}

// aggregateOne runs a pipeline expected to yield a single document, as
// $facet does.
func (s *MongoStore) aggregateOne(ctx context.Context, pipeline mongo.Pipeline, out interface{}) error {
	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	if cursor.Next(ctx) {
		return cursor.Decode(out)
	}
	return cursor.Err()
}

func (s *MongoStore) Overview(ctx context.Context, todayStart, weekStart time.Time) (Overview, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"status":   groupCount("$status"),
			"urgency":  groupCount("$finance_request.urgency"),
			"trade":    groupCount("$trade_type"),
			"priority": groupCount("$priority"),
			"summary": bson.A{bson.M{"$group": bson.M{
				"_id":       nil,
				"total":     bson.M{"$sum": 1},
				"avg_score": bson.M{"$avg": "$lead_score"},
				"pipeline":  openPipelineSum(),
				"today":     countIf(bson.M{"$gte": bson.A{"$created_at", todayStart}}),
				"week":      countIf(bson.M{"$gte": bson.A{"$created_at", weekStart}}),
			}}},
		}}},
	}

	var res struct {
		Status   []Bucket `bson:"status"`
		Urgency  []Bucket `bson:"urgency"`
		Trade    []Bucket `bson:"trade"`
		Priority []Bucket `bson:"priority"`
		Summary  []struct {
			Total    int64   `bson:"total"`
			AvgScore float64 `bson:"avg_score"`
			Pipeline float64 `bson:"pipeline"`
			Today    int64   `bson:"today"`
			Week     int64   `bson:"week"`
		} `bson:"summary"`
	}
	if err := s.aggregateOne(ctx, pipeline, &res); err != nil {
		return Overview{}, err
	}

	out := Overview{
		ByStatus:   toMap(res.Status),
		ByUrgency:  toMap(res.Urgency),
		ByTrade:    toMap(res.Trade),
		ByPriority: toMap(res.Priority),
	}
	if len(res.Summary) > 0 {
		sum := res.Summary[0]
		out.Total = sum.Total
		out.AverageScore = sum.AvgScore
		out.PipelineValue = sum.Pipeline
		out.NewToday = sum.Today
		out.NewThisWeek = sum.Week
	}
	return out, nil
}

func dayKey(field string, loc *time.Location) bson.M {
	return bson.M{"$dateToString": bson.M{
		"format":   "%Y-%m-%d",
		"date":     field,
		"timezone": loc.String(),
	}}
}

func (s *MongoStore) Activity(ctx context.Context, since time.Time, loc *time.Location) (Activity, error) {
	createdSince := bson.M{"$match": bson.M{"created_at": bson.M{"$gte": since}}}
	pipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"created": bson.A{
				createdSince,
				bson.M{"$group": bson.M{"_id": dayKey("$created_at", loc), "count": bson.M{"$sum": 1}}},
			},
			"won": bson.A{
				bson.M{"$match": bson.M{"status_timestamps.won_at": bson.M{"$gte": since}}},
				bson.M{"$group": bson.M{"_id": dayKey("$status_timestamps.won_at", loc), "count": bson.M{"$sum": 1}}},
			},
			"sources": append(bson.A{createdSince}, groupCount(bson.M{"$ifNull": bson.A{"$source", leads.SourceWebsite}})...),
			"campaigns": append(bson.A{
				createdSince,
				bson.M{"$match": bson.M{"utm_source": bson.M{"$exists": true, "$ne": ""}}},
			}, groupCount("$utm_source")...),
		}}},
	}

	var res struct {
		Created   []Bucket `bson:"created"`
		Won       []Bucket `bson:"won"`
		Sources   []Bucket `bson:"sources"`
		Campaigns []Bucket `bson:"campaigns"`
	}
	if err := s.aggregateOne(ctx, pipeline, &res); err != nil {
		return Activity{}, err
	}
	return Activity{Created: res.Created, Won: res.Won, Sources: res.Sources, Campaigns: res.Campaigns}, nil
}

func (s *MongoStore) DigestCounts(ctx context.Context, w DigestWindow) (DigestCounts, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"urgency": append(bson.A{
				bson.M{"$match": bson.M{"created_at": bson.M{"$gte": w.NewSince}}},
			}, groupCount("$finance_request.urgency")...),
			"summary": bson.A{bson.M{"$group": bson.M{
				"_id":      nil,
				"pipeline": openPipelineSum(),
				"new":      countIf(bson.M{"$gte": bson.A{"$created_at", w.NewSince}}),
				"won": countIf(bson.M{"$and": bson.A{
					bson.M{"$gte": bson.A{"$status_timestamps.won_at", w.WonFrom}},
					bson.M{"$lt": bson.A{"$status_timestamps.won_at", w.WonTo}},
				}}),
				"stale": countIf(bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$status", leads.StatusNew}},
					bson.M{"$lt": bson.A{"$created_at", w.StaleBefore}},
					bson.M{"$eq": bson.A{bson.M{"$type": "$last_contacted_at"}, "missing"}},
				}}),
			}}},
		}}},
	}

	var res struct {
		Urgency []Bucket `bson:"urgency"`
		Summary []struct {
			Pipeline float64 `bson:"pipeline"`
			New      int64   `bson:"new"`
			Won      int64   `bson:"won"`
			Stale    int64   `bson:"stale"`
		} `bson:"summary"`
	}
	if err := s.aggregateOne(ctx, pipeline, &res); err != nil {
		return DigestCounts{}, err
	}
	out := DigestCounts{ByUrgency: toMap(res.Urgency)}
	if len(res.Summary) > 0 {
		sum := res.Summary[0]
		out.NewLeads = sum.New
		out.WonYesterday = sum.Won
		out.StaleLeads = sum.Stale
		out.PipelineValue = sum.Pipeline
	}
	return out, nil
}

func (s *MongoStore) HotLeads(ctx context.Context, since time.Time, limit int64) ([]leads.Lead, error) {
	query := bson.M{
		"created_at": bson.M{"$gte": since},
		"priority":   leads.PriorityHot,
		"status":     bson.M{"$in": leads.OpenStatuses},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "lead_score", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(limit).
		SetProjection(bson.M{"communications": 0, "notes": 0})

	cursor, err := s.col.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	items := make([]leads.Lead, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Stream walks every lead matching filter, oldest first, without holding
// the result set in memory.
func (s *MongoStore) Stream(ctx context.Context, filter leads.ListFilter, fn func(leads.Lead) error) error {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"communications": 0, "notes": 0}).
		SetBatchSize(500)

	cursor, err := s.col.Find(ctx, leads.FilterToBSON(filter), opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var lead leads.Lead
		if err := cursor.Decode(&lead); err != nil {
			return err
		}
		if err := fn(lead); err != nil {
			return err
		}
	}
	return cursor.Err()
}
