package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoOptions configure the MongoDB backend.
type MongoOptions struct {
	Options
	URI      string
	Database string
}

// Mongo keeps backlogs in a messages collection with a TTL index on
// expire_at, per-user counters in users and channel sets in channels.
type Mongo struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
	channels *mongo.Collection
	opts     MongoOptions
	now      func() time.Time
}

type mongoMessage struct {
	User     string     `bson:"user"`
	Seq      int64      `bson:"seq"`
	Data     string     `bson:"data"`
	ExpireAt *time.Time `bson:"expire_at,omitempty"`
}

type mongoUser struct {
	ID      string `bson:"_id"`
	MaxSeq  int64  `bson:"max_seq"`
	LastAck int64  `bson:"last_ack"`
}

type mongoChannel struct {
	ID      string   `bson:"_id"`
	Members []string `bson:"members"`
}

// NewMongo connects, pings and ensures indexes.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.Database == "" {
		opts.Database = "comet"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("storage: mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: mongo ping: %w", err)
	}

	db := client.Database(opts.Database)
	m := &Mongo{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
		channels: db.Collection("channels"),
		opts:     opts,
		now:      time.Now,
	}

	_, err = m.messages.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err == nil {
		_, err = m.channels.Indexes().CreateOne(connectCtx, mongo.IndexModel{Keys: bson.D{{Key: "members", Value: 1}}})
	}
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: mongo indexes: %w", err)
	}

	opts.Logger.Info().Str("database", opts.Database).Msg("Mongo storage connected")
	return m, nil
}

func (m *Mongo) user(ctx context.Context, uid string) (mongoUser, error) {
	var u mongoUser
	err := m.users.FindOne(ctx, bson.M{"_id": uid}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoUser{ID: uid}, nil
	}
	if err != nil {
		return u, fmt.Errorf("storage: mongo user %s: %w", uid, err)
	}
	return u, nil
}

func (m *Mongo) SaveMessage(ctx context.Context, uid string, seq int64, data []byte, ttl time.Duration) (err error) {
	started := time.Now()
	defer func() { monitoring.ObserveStorageOp("save_message", started, err) }()

	_, err = m.users.UpdateOne(ctx,
		bson.M{"_id": uid},
		bson.M{"$max": bson.M{"max_seq": seq}, "$setOnInsert": bson.M{"last_ack": int64(0)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("storage: mongo max_seq %s: %w", uid, err)
	}

	u, err := m.user(ctx, uid)
	if err != nil {
		return err
	}
	if seq <= u.LastAck {
		return nil
	}

	var existing mongoMessage
	err = m.messages.FindOne(ctx, bson.M{"user": uid, "seq": seq}).Decode(&existing)
	switch {
	case err == nil:
		return m.sameSeq(uid, existing, data)
	case !errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("storage: mongo find %s/%d: %w", uid, seq, err)
	}

	filter := bson.M{"user": uid, "seq": bson.M{"$gt": u.LastAck}}
	count, err := m.messages.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("storage: mongo count %s: %w", uid, err)
	}
	if count >= int64(m.opts.Capacity) {
		if m.opts.Policy == config.OverflowRejectNew {
			monitoring.RecordBacklogOverflow(config.OverflowRejectNew)
			return fmt.Errorf("%w: user %s holds %d messages", ErrBacklogFull, uid, count)
		}
		monitoring.RecordBacklogOverflow(config.OverflowDropOldest)
		var oldest mongoMessage
		err := m.messages.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}})).Decode(&oldest)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("storage: mongo oldest %s: %w", uid, err)
		}
		if err == nil && oldest.Seq > seq {
			return nil
		}
		if err := m.evictOldest(ctx, uid, count-int64(m.opts.Capacity)+1); err != nil {
			return err
		}
	}

	doc := mongoMessage{User: uid, Seq: seq, Data: string(data)}
	if t := m.opts.ttl(ttl); t > 0 {
		exp := m.now().Add(t)
		doc.ExpireAt = &exp
	}
	_, err = m.messages.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		if ferr := m.messages.FindOne(ctx, bson.M{"user": uid, "seq": seq}).Decode(&existing); ferr != nil {
			return fmt.Errorf("%w: user %s seq %d", ErrSeqConflict, uid, seq)
		}
		return m.sameSeq(uid, existing, data)
	}
	if err != nil {
		return fmt.Errorf("storage: mongo save %s/%d: %w", uid, seq, err)
	}
	return nil
}

// sameSeq accepts a repeated save of the stored message and refuses a
// different one.
func (m *Mongo) sameSeq(uid string, existing mongoMessage, data []byte) error {
	if existing.Data == string(data) {
		return nil
	}
	return fmt.Errorf("%w: user %s seq %d", ErrSeqConflict, uid, existing.Seq)
}

func (m *Mongo) evictOldest(ctx context.Context, uid string, n int64) error {
	cur, err := m.messages.Find(ctx, bson.M{"user": uid},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(n).SetProjection(bson.M{"seq": 1}))
	if err != nil {
		return fmt.Errorf("storage: mongo evict %s: %w", uid, err)
	}
	var oldest []mongoMessage
	if err := cur.All(ctx, &oldest); err != nil {
		return fmt.Errorf("storage: mongo evict %s: %w", uid, err)
	}
	if len(oldest) == 0 {
		return nil
	}
	upTo := oldest[len(oldest)-1].Seq
	if _, err := m.messages.DeleteMany(ctx, bson.M{"user": uid, "seq": bson.M{"$lte": upTo}}); err != nil {
		return fmt.Errorf("storage: mongo evict %s: %w", uid, err)
	}
	return nil
}

func (m *Mongo) GetMessages(ctx context.Context, uid string) (MessageIterator, error) {
	started := time.Now()
	u, err := m.user(ctx, uid)
	if err != nil {
		monitoring.ObserveStorageOp("get_messages", started, err)
		return nil, err
	}
	cur, err := m.messages.Find(ctx,
		bson.M{"user": uid, "seq": bson.M{"$gt": u.LastAck}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	monitoring.ObserveStorageOp("get_messages", started, err)
	if err != nil {
		return nil, fmt.Errorf("storage: mongo find %s: %w", uid, err)
	}
	return &mongoIterator{ctx: ctx, cur: cur, now: m.now()}, nil
}

func (m *Mongo) GetMaxSeq(ctx context.Context, uid string) (int64, error) {
	started := time.Now()
	u, err := m.user(ctx, uid)
	monitoring.ObserveStorageOp("get_max_seq", started, err)
	return u.MaxSeq, err
}

func (m *Mongo) UpdateAck(ctx context.Context, uid string, seq int64) error {
	started := time.Now()
	_, err := m.users.UpdateOne(ctx,
		bson.M{"_id": uid},
		bson.M{"$max": bson.M{"last_ack": seq, "max_seq": seq}},
		options.Update().SetUpsert(true))
	if err == nil {
		_, err = m.messages.DeleteMany(ctx, bson.M{"user": uid, "seq": bson.M{"$lte": seq}})
	}
	monitoring.ObserveStorageOp("update_ack", started, err)
	if err != nil {
		return fmt.Errorf("storage: mongo ack %s/%d: %w", uid, seq, err)
	}
	return nil
}

func (m *Mongo) AddUserToChannel(ctx context.Context, cid, uid string) error {
	_, err := m.channels.UpdateOne(ctx,
		bson.M{"_id": cid},
		bson.M{"$addToSet": bson.M{"members": uid}},
		options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) RemoveUserFromChannel(ctx context.Context, cid, uid string) error {
	_, err := m.channels.UpdateOne(ctx, bson.M{"_id": cid}, bson.M{"$pull": bson.M{"members": uid}})
	return err
}

func (m *Mongo) GetChannelUsers(ctx context.Context, cid string) ([]string, error) {
	var c mongoChannel
	err := m.channels.FindOne(ctx, bson.M{"_id": cid}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: mongo channel %s: %w", cid, err)
	}
	return c.Members, nil
}

func (m *Mongo) GetUserChannels(ctx context.Context, uid string) ([]string, error) {
	cur, err := m.channels.Find(ctx, bson.M{"members": uid},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("storage: mongo user channels %s: %w", uid, err)
	}
	var found []mongoChannel
	if err := cur.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("storage: mongo user channels %s: %w", uid, err)
	}
	out := make([]string, 0, len(found))
	for _, c := range found {
		out = append(out, c.ID)
	}
	return out, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type mongoIterator struct {
	ctx  context.Context
	cur  *mongo.Cursor
	now  time.Time
	done bool
	err  error
}

func (it *mongoIterator) Next() (Entry, bool) {
	for !it.done {
		if !it.cur.Next(it.ctx) {
			it.err = it.cur.Err()
			it.Close()
			break
		}
		var doc mongoMessage
		if err := it.cur.Decode(&doc); err != nil {
			it.err = fmt.Errorf("storage: mongo decode: %w", err)
			it.Close()
			break
		}
		if doc.ExpireAt != nil && !it.now.Before(*doc.ExpireAt) {
			continue
		}
		e := Entry{Seq: doc.Seq, Data: []byte(doc.Data)}
		if doc.ExpireAt != nil {
			e.ExpireAt = doc.ExpireAt.Unix()
		}
		return e, true
	}
	return Entry{}, false
}

func (it *mongoIterator) Err() error { return it.err }

func (it *mongoIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	return it.cur.Close(context.Background())
}
