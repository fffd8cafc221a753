package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity/internal/domain/models"
	"identity/internal/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const duplicateKeyCode = 11000

type Storage struct {
	client       *mongo.Client
	users        *mongo.Collection
	counters     *mongo.Collection
	tokens       *mongo.Collection
	transactions bool
}

type userDoc struct {
	ID        int64     `bson:"_id"`
	Email     string    `bson:"email"`
	PassHash  []byte    `bson:"pass_hash"`
	Role      string    `bson:"role"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	ID             string     `bson:"_id"`
	TokenHash      string     `bson:"token_hash"`
	UserID         int64      `bson:"user_id"`
	CreatedAt      time.Time  `bson:"created_at"`
	ExpiresAt      time.Time  `bson:"expires_at"`
	Revoked        bool       `bson:"revoked"`
	RevokedAt      *time.Time `bson:"revoked_at,omitempty"`
	ReplacedByHash *string    `bson:"replaced_by_hash,omitempty"`
}

// New connects to MongoDB and makes sure the indexes exist.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	var hello helloReply
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: hello: %w", op, err)
	}
	s.transactions = hello.supportsTransactions()

	return s, nil
}

type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsTransactions is true for replica set members and mongos routers.
func (h helloReply) supportsTransactions() bool {
	return h.SetName != "" || h.Msg == "isdbgrid"
}

// EnsureIndexes creates the unique and pruning indexes. It is safe to call repeatedly.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			// only revoked tokens are pruned once past expiry
			Keys: bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(0).
				SetPartialFilterExpression(bson.D{{Key: "revoked", Value: true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens indexes: %w", err)
	}

	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a collection.
func (s *Storage) nextID(ctx context.Context, collection string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collection}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	if err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, err
	}

	return counter.Value, nil
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	_, err = s.users.InsertOne(ctx, userDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		Role:      role.String(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"

	user, err := s.findUser(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	user, err := s.findUser(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) findUser(ctx context.Context, filter bson.D) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	return doc.toModel()
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	if _, err := s.tokens.InsertOne(ctx, tokenToDoc(token)); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	token, err := s.findToken(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// RotateRefreshToken flips revoked on oldHash with a filtered FindOneAndUpdate, so
// only one caller can consume the token. On a replica set or mongos the consume and the
// successor insert share a transaction. On a standalone server they are two writes and a
// failed insert ends the chain.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RotateRefreshToken"

	if !s.transactions {
		old, err := s.rotate(ctx, oldHash, next, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return old, nil
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("%s: start session: %w", op, err)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return s.rotate(ctx, oldHash, next, now)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return res.(*models.RefreshToken), nil
}

func (s *Storage) rotate(
	ctx context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc refreshTokenDoc
	err := s.tokens.FindOneAndUpdate(ctx, consumeFilter(oldHash, now), consumeUpdate(next.TokenHash, now), opts).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("consume: %w", err)
		}

		current, err := s.findToken(ctx, oldHash)
		if err != nil {
			return nil, err
		}
		return nil, unconsumedReason(current)
	}

	old, err := doc.toModel()
	if err != nil {
		return nil, err
	}

	next.UserID = old.UserID
	if _, err := s.tokens.InsertOne(ctx, tokenToDoc(next)); err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("insert successor: %w", storage.ErrTokenExists)
		}
		return nil, fmt.Errorf("insert successor: %w", err)
	}

	return old, nil
}

// consumeFilter matches oldHash only while it is active at now.
func consumeFilter(oldHash string, now time.Time) bson.D {
	return bson.D{
		{Key: "token_hash", Value: oldHash},
		{Key: "revoked", Value: false},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
}

func consumeUpdate(nextHash string, now time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "revoked", Value: true},
		{Key: "revoked_at", Value: now},
		{Key: "replaced_by_hash", Value: nextHash},
	}}}
}

// unconsumedReason explains why an existing token did not match consumeFilter.
func unconsumedReason(current *models.RefreshToken) error {
	if current.Revoked {
		return storage.ErrTokenRevoked
	}
	return storage.ErrTokenExpired
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	const op = "storage.mongodb.RevokeRefreshToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "token_hash", Value: tokenHash}, {Key: "revoked", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "revoked_at", Value: now},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	if _, err := s.findToken(ctx, tokenHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) findToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var doc refreshTokenDoc
	if err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}

	return doc.toModel()
}

func (d userDoc) toModel() (*models.User, error) {
	role, err := models.ParseRole(d.Role)
	if err != nil {
		return nil, err
	}

	return &models.User{
		ID:        d.ID,
		Email:     d.Email,
		PassHash:  d.PassHash,
		Role:      role,
		CreatedAt: d.CreatedAt,
	}, nil
}

func tokenToDoc(t models.RefreshToken) refreshTokenDoc {
	return refreshTokenDoc{
		ID:             t.ID.String(),
		TokenHash:      t.TokenHash,
		UserID:         t.UserID,
		CreatedAt:      t.CreatedAt,
		ExpiresAt:      t.ExpiresAt,
		Revoked:        t.Revoked,
		RevokedAt:      t.RevokedAt,
		ReplacedByHash: t.ReplacedByHash,
	}
}

func (d refreshTokenDoc) toModel() (*models.RefreshToken, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse token id: %w", err)
	}

	return &models.RefreshToken{
		ID:             id,
		UserID:         d.UserID,
		TokenHash:      d.TokenHash,
		CreatedAt:      d.CreatedAt,
		ExpiresAt:      d.ExpiresAt,
		Revoked:        d.Revoked,
		RevokedAt:      d.RevokedAt,
		ReplacedByHash: d.ReplacedByHash,
	}, nil
}

// isDuplicateKeyError reports a unique index violation (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == duplicateKeyCode {
				return true
			}
		}
	}
	return false
}
