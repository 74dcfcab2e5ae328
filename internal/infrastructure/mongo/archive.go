// Package mongo keeps the regulatory archive of controlled substance
// dispensing in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Config holds connection settings.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.URI)
	opts.SetMaxPoolSize(50)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetServerSelectionTimeout(5 * time.Second)
	opts.SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// Record is one archived dispensing entry.
type Record struct {
	ID             string    `bson:"_id"`
	DrugID         string    `bson:"drug_id"`
	DrugName       string    `bson:"drug_name"`
	Schedule       string    `bson:"schedule"`
	PrescriptionID string    `bson:"prescription_id"`
	Quantity       int       `bson:"quantity"`
	PatientID      string    `bson:"patient_id"`
	PatientName    string    `bson:"patient_name"`
	PrescriberName string    `bson:"prescriber_name"`
	PrescriberDEA  string    `bson:"prescriber_dea"`
	PharmacistID   string    `bson:"pharmacist_id"`
	DispensedAt    time.Time `bson:"dispensed_at"`
	ArchivedAt     time.Time `bson:"archived_at"`
}

// RecordFrom converts a dispensing entry.
func RecordFrom(e prescription.DispensingEntry, archivedAt time.Time) Record {
	return Record{
		ID:             e.ID,
		DrugID:         e.DrugID,
		DrugName:       e.DrugName,
		Schedule:       string(e.Schedule),
		PrescriptionID: e.PrescriptionID,
		Quantity:       e.Quantity,
		PatientID:      e.PatientID,
		PatientName:    e.PatientName,
		PrescriberName: e.PrescriberName,
		PrescriberDEA:  e.PrescriberDEA,
		PharmacistID:   e.PharmacistID,
		DispensedAt:    e.DispensedAt.UTC(),
		ArchivedAt:     archivedAt.UTC(),
	}
}

// Archive writes dispensing records. Entry ids are document ids, so
// redelivered entries are stored once.
type Archive struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewArchive creates an archive over the configured collection.
func NewArchive(client *mongo.Client, cfg Config, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}
}

// EnsureIndexes creates the lookup indexes used by audits.
func (a *Archive) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "drug_id", Value: 1}, {Key: "dispensed_at", Value: -1}}},
		{Keys: bson.D{{Key: "prescription_id", Value: 1}}},
		{Keys: bson.D{{Key: "prescriber_dea", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create archive indexes: %w", err)
	}
	return nil
}

// Store archives one entry. A duplicate id is treated as already archived.
func (a *Archive) Store(ctx context.Context, rec Record) error {
	_, err := a.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		a.logger.Debug("dispensing record already archived", zap.String("id", rec.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive dispensing %s: %w", rec.ID, err)
	}
	return nil
}

// ByDrug returns archived records for a drug, newest first.
func (a *Archive) ByDrug(ctx context.Context, drugID string, limit int64) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "dispensed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := a.coll.Find(ctx, bson.M{"drug_id": drugID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find archive records: %w", err)
	}
	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode archive records: %w", err)
	}
	return out, nil
}

// Get returns one archived record.
func (a *Archive) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := a.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, prescription.NotFound("archive record", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find archive record %s: %w", id, err)
	}
	return &rec, nil
}
