package leads

import (
	"context"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Patch carries a partial update. Nil fields are left unchanged.
type Patch struct {
	FirstName      *string
	LastName       *string
	Email          *string
	Phone          *string
	CompanyName    *string
	TradeType      *string
	Status         *string
	FinanceRequest *FinanceRequest
	BusinessInfo   *BusinessInfo
	LeadScore      *int
	Priority       *string
	Tags           []string
}

func (p Patch) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Email == nil && p.Phone == nil &&
		p.CompanyName == nil && p.TradeType == nil && p.Status == nil &&
		p.FinanceRequest == nil && p.BusinessInfo == nil && p.LeadScore == nil &&
		p.Priority == nil && p.Tags == nil
}

type Repository interface {
	Create(ctx context.Context, lead Lead) error
	GetByID(ctx context.Context, id string) (Lead, error)
	FindRecentByEmail(ctx context.Context, email string, since time.Time) (Lead, error)
	FindLatestByPhone(ctx context.Context, phone string) (Lead, error)
	FindByGHLContactID(ctx context.Context, contactID string) (Lead, error)
	FindByProviderID(ctx context.Context, providerID string) (Lead, error)
	List(ctx context.Context, filter ListFilter, limit, offset int64) ([]Lead, error)
	Count(ctx context.Context, filter ListFilter) (int64, error)
	ListStale(ctx context.Context, createdBefore time.Time, limit int64) ([]Lead, error)

	Update(ctx context.Context, id string, patch Patch, now time.Time) (Lead, error)
	MarkStatusReached(ctx context.Context, id, status string, now time.Time) (bool, error)
	AddNote(ctx context.Context, id string, note Note, now time.Time) error
	AddCommunication(ctx context.Context, id string, comm Communication, touchContact bool, now time.Time) error
	UpdateCommunicationStatus(ctx context.Context, providerID, status string, now time.Time) (bool, error)

	Enroll(ctx context.Context, id string, now time.Time, nextStepAt *time.Time) error
	Unenroll(ctx context.Context, id string, now time.Time) error
	RecordStep(ctx context.Context, id, step string, number int, skipped bool, nextStepAt *time.Time, now time.Time) (bool, error)
	SetOptOut(ctx context.Context, id string, sms, email bool, now time.Time) error
	SetCRM(ctx context.Context, id string, link CRMLink, now time.Time) error

	AddTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error)
	RemoveTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error)
	DeleteMany(ctx context.Context, ids []string) (int64, error)
}

type MongoRepository struct {
	col *mongo.Collection
}

func NewRepository(col *mongo.Collection) *MongoRepository {
	return &MongoRepository{col: col}
}

func (r *MongoRepository) Create(ctx context.Context, lead Lead) error {
	lead.ensureCollections()
	_, err := r.col.InsertOne(ctx, lead)
	return err
}

func (r *MongoRepository) GetByID(ctx context.Context, id string) (Lead, error) {
	return r.findOne(ctx, bson.M{"_id": id}, nil)
}

func (r *MongoRepository) FindRecentByEmail(ctx context.Context, email string, since time.Time) (Lead, error) {
	query := bson.M{
		"email":      email,
		"created_at": bson.M{"$gte": since},
		"status":     bson.M{"$nin": bson.A{StatusWon, StatusLost}},
	}
	return r.findOne(ctx, query, bson.D{{Key: "created_at", Value: -1}})
}

func (r *MongoRepository) FindLatestByPhone(ctx context.Context, phone string) (Lead, error) {
	return r.findOne(ctx, bson.M{"phone": phone}, bson.D{{Key: "created_at", Value: -1}})
}

func (r *MongoRepository) FindByGHLContactID(ctx context.Context, contactID string) (Lead, error) {
	return r.findOne(ctx, bson.M{"crm.ghl_contact_id": contactID}, nil)
}

func (r *MongoRepository) FindByProviderID(ctx context.Context, providerID string) (Lead, error) {
	return r.findOne(ctx, bson.M{"communications.provider_id": providerID}, nil)
}

func (r *MongoRepository) findOne(ctx context.Context, query bson.M, sort bson.D) (Lead, error) {
	opts := options.FindOne()
	if sort != nil {
		opts.SetSort(sort)
	}
	var lead Lead
	if err := r.col.FindOne(ctx, query, opts).Decode(&lead); err != nil {
		return Lead{}, err
	}
	return lead, nil
}

func (r *MongoRepository) List(ctx context.Context, filter ListFilter, limit, offset int64) ([]Lead, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)
	return r.find(ctx, FilterToBSON(filter), opts)
}

func (r *MongoRepository) Count(ctx context.Context, filter ListFilter) (int64, error) {
	return r.col.CountDocuments(ctx, FilterToBSON(filter))
}

func (r *MongoRepository) ListStale(ctx context.Context, createdBefore time.Time, limit int64) ([]Lead, error) {
	query := bson.M{
		"status":            StatusNew,
		"created_at":        bson.M{"$lt": createdBefore},
		"last_contacted_at": bson.M{"$exists": false},
		"automation.tags":   bson.M{"$ne": "stale"},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit)
	return r.find(ctx, query, opts)
}

func (r *MongoRepository) find(ctx context.Context, query bson.M, opts *options.FindOptions) ([]Lead, error) {
	cursor, err := r.col.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	items := make([]Lead, 0)
	for cursor.Next(ctx) {
		var lead Lead
		if err := cursor.Decode(&lead); err != nil {
			return nil, err
		}
		items = append(items, lead)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *MongoRepository) Update(ctx context.Context, id string, patch Patch, now time.Time) (Lead, error) {
	set := bson.M{"updated_at": now}
	setString := func(key string, v *string) {
		if v != nil {
			set[key] = *v
		}
	}
	setString("first_name", patch.FirstName)
	setString("last_name", patch.LastName)
	setString("email", patch.Email)
	setString("phone", patch.Phone)
	setString("company_name", patch.CompanyName)
	setString("trade_type", patch.TradeType)
	setString("status", patch.Status)
	setString("priority", patch.Priority)
	if patch.FinanceRequest != nil {
		set["finance_request"] = *patch.FinanceRequest
	}
	if patch.BusinessInfo != nil {
		set["business_info"] = *patch.BusinessInfo
	}
	if patch.LeadScore != nil {
		set["lead_score"] = *patch.LeadScore
	}
	if patch.Tags != nil {
		set["automation.tags"] = patch.Tags
	}

	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set})
}

func (r *MongoRepository) findOneAndUpdate(ctx context.Context, query, update bson.M) (Lead, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated Lead
	if err := r.col.FindOneAndUpdate(ctx, query, update, opts).Decode(&updated); err != nil {
		return Lead{}, err
	}
	return updated, nil
}

// MarkStatusReached stamps the first-entry timestamp of status. The filter
// only matches while the timestamp is unset, so it is written once.
func (r *MongoRepository) MarkStatusReached(ctx context.Context, id, status string, now time.Time) (bool, error) {
	filter, update, ok := statusReachedUpdate(id, status, now)
	if !ok {
		return false, nil
	}
	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func statusReachedUpdate(id, status string, now time.Time) (filter, update bson.M, ok bool) {
	field, ok := statusTimestampField[status]
	if !ok {
		return nil, nil, false
	}
	filter = bson.M{"_id": id, field: bson.M{"$exists": false}}
	update = bson.M{"$set": bson.M{field: now}}
	return filter, update, true
}

func (r *MongoRepository) AddNote(ctx context.Context, id string, note Note, now time.Time) error {
	return r.updateOne(ctx, id, bson.M{
		"$push": bson.M{"notes": note},
		"$set":  bson.M{"updated_at": now},
	})
}

func (r *MongoRepository) AddCommunication(ctx context.Context, id string, comm Communication, touchContact bool, now time.Time) error {
	set := bson.M{"updated_at": now}
	if touchContact {
		set["last_contacted_at"] = now
	}
	return r.updateOne(ctx, id, bson.M{
		"$push": bson.M{"communications": comm},
		"$set":  set,
	})
}

func (r *MongoRepository) UpdateCommunicationStatus(ctx context.Context, providerID, status string, now time.Time) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"communications.provider_id": providerID},
		bson.M{"$set": bson.M{
			"communications.$.status":     status,
			"communications.$.updated_at": now,
			"updated_at":                  now,
		}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoRepository) Enroll(ctx context.Context, id string, now time.Time, nextStepAt *time.Time) error {
	set := bson.M{
		"automation.enrolled":    true,
		"automation.enrolled_at": now,
		"updated_at":             now,
	}
	if nextStepAt != nil {
		set["automation.next_step_at"] = *nextStepAt
	}
	return r.updateOne(ctx, id, bson.M{"$set": set})
}

func (r *MongoRepository) Unenroll(ctx context.Context, id string, now time.Time) error {
	return r.updateOne(ctx, id, bson.M{
		"$set":   bson.M{"automation.enrolled": false, "updated_at": now},
		"$unset": bson.M{"automation.next_step_at": ""},
	})
}

// RecordStep appends step to the completed (or skipped) list. The filter
// excludes leads that already recorded the step, so concurrent workers
// record it at most once; the bool reports whether this call won.
func (r *MongoRepository) RecordStep(ctx context.Context, id, step string, number int, skipped bool, nextStepAt *time.Time, now time.Time) (bool, error) {
	filter, update := recordStepUpdate(id, step, number, skipped, nextStepAt, now)
	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func recordStepUpdate(id, step string, number int, skipped bool, nextStepAt *time.Time, now time.Time) (filter, update bson.M) {
	listField := "automation.completed_steps"
	if skipped {
		listField = "automation.skipped_steps"
	}
	set := bson.M{
		"automation.current_step": number,
		"automation.last_step_at": now,
		"updated_at":              now,
	}
	update = bson.M{
		"$addToSet": bson.M{listField: step},
		"$set":      set,
	}
	if nextStepAt != nil {
		set["automation.next_step_at"] = *nextStepAt
	} else {
		update["$unset"] = bson.M{"automation.next_step_at": ""}
	}
	filter = bson.M{
		"_id":                        id,
		"automation.completed_steps": bson.M{"$ne": step},
		"automation.skipped_steps":   bson.M{"$ne": step},
	}
	return filter, update
}

func (r *MongoRepository) SetOptOut(ctx context.Context, id string, sms, email bool, now time.Time) error {
	return r.updateOne(ctx, id, bson.M{"$set": bson.M{
		"automation.opted_out":       sms,
		"automation.email_opted_out": email,
		"updated_at":                 now,
	}})
}

func (r *MongoRepository) SetCRM(ctx context.Context, id string, link CRMLink, now time.Time) error {
	return r.updateOne(ctx, id, bson.M{"$set": bson.M{"crm": link, "updated_at": now}})
}

func (r *MongoRepository) AddTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error) {
	res, err := r.col.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$addToSet": bson.M{"automation.tags": bson.M{"$each": tags}},
			"$set":      bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *MongoRepository) RemoveTags(ctx context.Context, ids []string, tags []string, now time.Time) (int64, error) {
	res, err := r.col.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$pull": bson.M{"automation.tags": bson.M{"$in": tags}},
			"$set":  bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *MongoRepository) DeleteMany(ctx context.Context, ids []string) (int64, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (r *MongoRepository) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// FilterToBSON is shared with the admin export so both paths agree on
// filter semantics.
func FilterToBSON(filter ListFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Urgency != "" {
		query["finance_request.urgency"] = filter.Urgency
	}
	if filter.TradeType != "" {
		query["trade_type"] = filter.TradeType
	}
	if filter.Priority != "" {
		query["priority"] = filter.Priority
	}
	if filter.Tag != "" {
		query["automation.tags"] = filter.Tag
	}
	if filter.MinScore > 0 {
		query["lead_score"] = bson.M{"$gte": filter.MinScore}
	}
	if filter.Query != "" {
		pattern := regexp.QuoteMeta(filter.Query)
		rx := bson.M{"$regex": pattern, "$options": "i"}
		query["$or"] = bson.A{
			bson.M{"first_name": rx},
			bson.M{"last_name": rx},
			bson.M{"email": rx},
			bson.M{"company_name": rx},
			bson.M{"phone": rx},
		}
	}
	created := bson.M{}
	if !filter.From.IsZero() {
		created["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		created["$lt"] = filter.To
	}
	if len(created) > 0 {
		query["created_at"] = created
	}
	return query
}
