package mgo

import (
	"context"
	"time"

	"FlagChat/service/delivery"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store persists messages and receipts in Mongo. It implements
// delivery.Store: Append is the write-ahead record the pipeline waits for
// before acknowledging Sent.
type Store struct {
	coll *mongo.Collection
}

type Config struct {
	URI         string
	Database    string
	Collection  string
	MaxPoolSize uint64
	Username    string
	Password    string
}

type messageDoc struct {
	SubjectID   string   `bson:"subject_id"`
	MessageID   int64    `bson:"message_id"`
	SenderID    string   `bson:"sender_id"`
	Content     string   `bson:"content"`
	CreatedAt   int64    `bson:"created_at"`
	DeliveredTo []string `bson:"delivered_to"`
	ReadBy      []string `bson:"read_by"`
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "messages"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)
	if cfg.Username != "" {
		opts = opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}

	coll := cli.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "subject_id", Value: 1}, {Key: "message_id", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure index")
	}
	return &Store{coll: coll}, nil
}

func (s *Store) Append(ctx context.Context, m *delivery.Message) error {
	doc := messageDoc{
		SubjectID:   m.SubjectID,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		DeliveredTo: []string{},
		ReadBy:      []string{},
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return errors.Wrapf(err, "append subject=%s id=%d", m.SubjectID, m.ID)
}

func (s *Store) History(ctx context.Context, subjectID string, limit int) ([]*delivery.Message, error) {
	cur, err := s.coll.Find(ctx, bson.M{"subject_id": subjectID},
		options.Find().SetSort(bson.M{"message_id": -1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "history find")
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*delivery.Message
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		out = append(out, d.toMessage())
	}
	return out, cur.Err()
}

func (s *Store) MaxMessageID(ctx context.Context, subjectID string) (int64, error) {
	var d messageDoc
	err := s.coll.FindOne(ctx, bson.M{"subject_id": subjectID},
		options.FindOne().SetSort(bson.M{"message_id": -1})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "max message id")
	}
	return d.MessageID, nil
}

func (s *Store) MarkDelivered(ctx context.Context, subjectID string, messageID int64, userID string) error {
	return s.addReceipt(ctx, subjectID, messageID, "delivered_to", userID)
}

func (s *Store) MarkRead(ctx context.Context, subjectID string, messageID int64, userID string) error {
	return s.addReceipt(ctx, subjectID, messageID, "read_by", userID)
}

// addReceipt is a set union: $addToSet keeps repeats idempotent and the
// receipt sets grow-only.
func (s *Store) addReceipt(ctx context.Context, subjectID string, messageID int64, field, userID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"subject_id": subjectID, "message_id": messageID},
		bson.M{"$addToSet": bson.M{field: userID}})
	return errors.Wrapf(err, "receipt %s subject=%s id=%d", field, subjectID, messageID)
}

func (d *messageDoc) toMessage() *delivery.Message {
	m := &delivery.Message{
		ID:          d.MessageID,
		SubjectID:   d.SubjectID,
		SenderID:    d.SenderID,
		Content:     d.Content,
		CreatedAt:   d.CreatedAt,
		DeliveredTo: make(map[string]struct{}, len(d.DeliveredTo)),
		ReadBy:      make(map[string]struct{}, len(d.ReadBy)),
	}
	for _, u := range d.DeliveredTo {
		m.DeliveredTo[u] = struct{}{}
	}
	for _, u := range d.ReadBy {
		m.ReadBy[u] = struct{}{}
	}
	return m
}
