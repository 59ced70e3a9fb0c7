package store

// syncStateRow is the single-row KV record carrying the catch-up cursor
// (spec §3 Global sync cursor, §6.4 persistent state layout). The CHECK
// constraint enforcing id=1 lives in the migration; GORM just always
// addresses id=1.
type syncStateRow struct {
	ID           int   `gorm:"primaryKey;column:id"`
	LastSyncDate int64 `gorm:"column:last_sync_date;not null"`
}

func (syncStateRow) TableName() string { return "sync_state" }

// bucketStateRow is one row per observed bucket, keyed by the composite
// (bucketType, entityID) the spec's bucket model reduces to on disk.
type bucketStateRow struct {
	BucketType string `gorm:"primaryKey;column:bucket_type"`
	EntityID   string `gorm:"primaryKey;column:entity_id"`
	Seq        int64  `gorm:"column:seq;not null"`
	Date       int64  `gorm:"column:date;not null"`
}

func (bucketStateRow) TableName() string { return "bucket_state" }
