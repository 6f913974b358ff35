// Package search indexes chat messages in Elasticsearch and answers
// full-text queries scoped to a room.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
	"github.com/elastic/go-elasticsearch/v8"
)

const (
	DefaultIndex = "chat-messages"
	DefaultLimit = 20
	MaxLimit     = 50
)

var ErrEmptyQuery = errors.New("search query is empty")

type Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// Result is one page of matches.
type Result struct {
	Messages []domain.ChatMessage `json:"messages"`
	Total    int                  `json:"total"`
}

// Client reads and writes the message index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// New creates a client for cfg. transport may be nil.
func New(cfg Config, transport http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &Client{es: es, index: index}, nil
}

// pingTimeout bounds the startup connectivity check.
const pingTimeout = 5 * time.Second

// Connect creates the client, checks connectivity and ensures the index.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach elasticsearch: %w", err)
	}
	if err := c.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// indexMapping keeps ids and rooms as exact keywords; only content is analyzed.
var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":           map[string]interface{}{"type": "keyword"},
			"room_id":      map[string]interface{}{"type": "keyword"},
			"user_id":      map[string]interface{}{"type": "keyword"},
			"username":     map[string]interface{}{"type": "keyword"},
			"content":      map[string]interface{}{"type": "text"},
			"message_type": map[string]interface{}{"type": "keyword"},
			"reply_to":     map[string]interface{}{"type": "keyword"},
			"created_at":   map[string]interface{}{"type": "date"},
		},
	},
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	data, err := json.Marshal(indexMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	res, err = c.es.Indices.Create(c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	// Another node may have won the race.
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}

	l := log.L()
	l.Info().Str("index", c.index).Msg("search index created")
	return nil
}

// Index stores msg under its id. Reindexing the same message overwrites it.
func (c *Client) Index(ctx context.Context, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	res, err := c.es.Index(c.index, bytes.NewReader(data),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(msg.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// Search returns messages in roomID whose content matches query, newest first.
func (c *Client) Search(ctx context.Context, roomID, query string, limit, offset int) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	data, err := json.Marshal(searchBody(roomID, query, limit, offset))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return decodeHits(res.Body)
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// Publish indexes message.created events. It lets the client sit next to the
// event bus behind the engine's publisher.
func (c *Client) Publish(ctx context.Context, ev *pubsub.Event) error {
	if ev.Kind != pubsub.EventMessageCreated {
		return nil
	}
	var msg domain.ChatMessage
	if err := ev.Decode(&msg); err != nil {
		return err
	}
	return c.Index(ctx, &msg)
}

func searchBody(roomID, query string, limit, offset int) map[string]interface{} {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return map[string]interface{}{
		"from": offset,
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"content": map[string]interface{}{"query": query, "operator": "and"},
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"room_id": roomID},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"created_at": "desc"},
			map[string]interface{}{"id": "desc"},
		},
	}
}

type esResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func decodeHits(r io.Reader) (*Result, error) {
	var body esResponse
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &Result{
		Messages: make([]domain.ChatMessage, 0, len(body.Hits.Hits)),
		Total:    body.Hits.Total.Value,
	}
	for _, hit := range body.Hits.Hits {
		var msg domain.ChatMessage
		if err := json.Unmarshal(hit.Source, &msg); err != nil {
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}
