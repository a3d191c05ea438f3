package clustering

import (
	"encoding/json"

	"github.com/kalambet/qcluster/internal/vectorstore"
)

// Metadata keys of a stored question.
const (
	KeyQuestionText      = "questionText"
	KeyFullMessageText   = "fullMessageText"
	KeyChatID            = "chatId"
	KeyUserID            = "userId"
	KeyCreatorID         = "creatorId"
	KeyTopic             = "topic"
	KeyTone              = "tone"
	KeyTags              = "tags"
	KeyCreatedAt         = "createdAtMillis"
	KeyClusterID         = "clusterId"
	KeyClusterAssignedAt = "clusterAssignedAtMillis"
)

// QuestionRecord is the typed view of one stored question. ClusterID and
// ClusterAssignedAtMillis are nil until the question joins a cluster.
type QuestionRecord struct {
	ID                      string   `json:"id" yaml:"id"`
	QuestionText            string   `json:"questionText" yaml:"questionText"`
	FullMessageText         string   `json:"fullMessageText" yaml:"fullMessageText"`
	ChatID                  string   `json:"chatId" yaml:"chatId"`
	UserID                  string   `json:"userId" yaml:"userId"`
	CreatorID               string   `json:"creatorId" yaml:"creatorId"`
	Topic                   string   `json:"topic" yaml:"topic"`
	Tone                    string   `json:"tone" yaml:"tone"`
	Tags                    []string `json:"tags" yaml:"tags"`
	CreatedAtMillis         int64    `json:"createdAtMillis" yaml:"createdAtMillis"`
	ClusterID               *string  `json:"clusterId" yaml:"clusterId"`
	ClusterAssignedAtMillis *int64   `json:"clusterAssignedAtMillis" yaml:"clusterAssignedAtMillis"`
}

// Metadata flattens r for the vector store. Tags travel as a JSON array
// string so every value stays a scalar.
func (r QuestionRecord) Metadata() vectorstore.Metadata {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, _ := json.Marshal(tags)

	md := vectorstore.Metadata{
		KeyQuestionText:      r.QuestionText,
		KeyFullMessageText:   r.FullMessageText,
		KeyChatID:            r.ChatID,
		KeyUserID:            r.UserID,
		KeyCreatorID:         r.CreatorID,
		KeyTopic:             r.Topic,
		KeyTone:              r.Tone,
		KeyTags:              string(encoded),
		KeyCreatedAt:         r.CreatedAtMillis,
		KeyClusterID:         nil,
		KeyClusterAssignedAt: nil,
	}
	if r.ClusterID != nil {
		md[KeyClusterID] = *r.ClusterID
	}
	if r.ClusterAssignedAtMillis != nil {
		md[KeyClusterAssignedAt] = *r.ClusterAssignedAtMillis
	}
	return md
}

// RecordFromMetadata rebuilds the typed view of a stored question. Missing
// or malformed fields come back as zero values.
func RecordFromMetadata(id string, md vectorstore.Metadata) QuestionRecord {
	r := QuestionRecord{
		ID:              id,
		QuestionText:    md.String(KeyQuestionText),
		FullMessageText: md.String(KeyFullMessageText),
		ChatID:          md.String(KeyChatID),
		UserID:          md.String(KeyUserID),
		CreatorID:       md.String(KeyCreatorID),
		Topic:           md.String(KeyTopic),
		Tone:            md.String(KeyTone),
		Tags:            decodeTags(md[KeyTags]),
	}
	r.CreatedAtMillis, _ = md.Int64(KeyCreatedAt)
	if md.Has(KeyClusterID) {
		c := md.String(KeyClusterID)
		r.ClusterID = &c
	}
	if at, ok := md.Int64(KeyClusterAssignedAt); ok {
		r.ClusterAssignedAtMillis = &at
	}
	return r
}

// decodeTags accepts the JSON-string encoding and, for stores that keep
// native lists, a list of strings.
func decodeTags(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case string:
		_ = json.Unmarshal([]byte(t), &out)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, t...)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
