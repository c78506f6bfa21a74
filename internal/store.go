package internal

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotFound = errors.New("store: document not found")

const storeTimeout = 5 * time.Second

// Store persists document snapshots: the model binary plus the patch log
// accumulated since clients may still be catching up from it.
type Store struct {
	docs *mongo.Collection
}

func NewStore(docs *mongo.Collection) *Store {
	return &Store{docs: docs}
}

type docRecord struct {
	DocId    string             `bson:"_id"`
	Snapshot primitive.Binary   `bson:"snapshot"`
	Log      []primitive.Binary `bson:"log"`
	SavedAt  time.Time          `bson:"savedAt"`
}

func (st *Store) Save(id string, snapshot []byte, log [][]byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec := docRecord{
		DocId:    id,
		Snapshot: primitive.Binary{Data: snapshot},
		SavedAt:  time.Now(),
	}
	for _, p := range log {
		rec.Log = append(rec.Log, primitive.Binary{Data: p})
	}

	opts := options.Replace().SetUpsert(true)
	_, err := st.docs.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, rec, opts)
	return err
}

func (st *Store) Load(id string) ([]byte, [][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var rec docRecord
	err := st.docs.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	log := make([][]byte, 0, len(rec.Log))
	for _, p := range rec.Log {
		log = append(log, p.Data)
	}
	return rec.Snapshot.Data, log, nil
}
