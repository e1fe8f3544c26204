package models

import "time"

// RawMessage is a message as delivered by the partitioned log.
type RawMessage struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// EventRecord is one validated traffic-usage row.
type EventRecord struct {
	ClientIdentifier     string    `json:"sslsni" ch:"sslsni"`
	SubscriberIdentifier string    `json:"subscriberid" ch:"subscriberid"`
	HourBucket           int32     `json:"hour_key" ch:"hour_key"`
	Count                int32     `json:"count" ch:"count"`
	BytesUp              int32     `json:"up" ch:"up"`
	BytesDown            int32     `json:"down" ch:"down"`
	IngestedAt           time.Time `json:"inserted_time" ch:"inserted_time"`
}

// CommitCursor is the last committed offset for one partition.
type CommitCursor struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Next returns the first offset that has not been committed yet.
func (c CommitCursor) Next() int64 {
	return c.Offset + 1
}
