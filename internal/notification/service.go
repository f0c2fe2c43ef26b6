package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	obscontext "github.com/smallbiznis/chama/internal/observability/context"
	obslogger "github.com/smallbiznis/chama/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const deliveryTimeout = 5 * time.Second

const (
	resultDelivered = "delivered"
	resultStored    = "stored"
	resultFailed    = "failed"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      chamadomain.Repository
	Publisher Publisher
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      chamadomain.Repository
	publisher Publisher
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = inboxOnly{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("notification"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: publisher,
		metrics:   p.Metrics,
	}
}

func (s *Service) Notify(ctx context.Context, userID, chamaID snowflake.ID, message string, category Category) {
	if userID == 0 || strings.TrimSpace(message) == "" {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	s.deliver(ctx, category, []Notification{s.build(ctx, userID, chamaID, message, category)})
}

func (s *Service) NotifyAll(ctx context.Context, chamaID snowflake.ID, message string, category Category, excludeUserID snowflake.ID) {
	if chamaID == 0 || strings.TrimSpace(message) == "" {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	members, err := s.repo.ListMembers(ctx, s.db, chamaID)
	if err != nil {
		s.logger(ctx).Warn("notification.members.load_failed",
			zap.String("chama_id", chamaID.String()),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		s.metrics.RecordNotification(ctx, string(category), resultFailed)
		return
	}

	items := make([]Notification, 0, len(members))
	for _, member := range members {
		if excludeUserID != 0 && member.UserID == excludeUserID {
			continue
		}
		items = append(items, s.build(ctx, member.UserID, chamaID, message, category))
	}
	s.deliver(ctx, category, items)
}

func (s *Service) build(ctx context.Context, userID, chamaID snowflake.ID, message string, category Category) Notification {
	n := Notification{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Category:  category,
		Message:   message,
		CreatedAt: s.clock.Now().UTC(),
	}
	if chamaID != 0 {
		id := chamaID
		n.ChamaID = &id
	}
	if meta := metadataFrom(ctx); meta != nil {
		n.Metadata = meta
	}
	return n
}

func (s *Service) deliver(ctx context.Context, category Category, items []Notification) {
	if len(items) == 0 {
		return
	}
	log := s.logger(ctx)

	stored := make([]Notification, 0, len(items))
	for _, item := range items {
		if err := s.insert(ctx, item); err != nil {
			log.Warn("notification.store_failed",
				zap.String("user_id", item.UserID.String()),
				zap.String("category", string(category)),
				zap.Error(err),
			)
			s.metrics.RecordNotification(ctx, string(category), resultFailed)
			continue
		}
		stored = append(stored, item)
	}
	if len(stored) == 0 {
		return
	}

	if err := s.publisher.Publish(ctx, stored...); err != nil {
		log.Warn("notification.publish_failed",
			zap.String("category", string(category)),
			zap.Int("count", len(stored)),
			zap.Error(err),
		)
		for range stored {
			s.metrics.RecordNotification(ctx, string(category), resultStored)
		}
		return
	}
	for range stored {
		s.metrics.RecordNotification(ctx, string(category), resultDelivered)
	}
}

func (s *Service) insert(ctx context.Context, n Notification) error {
	var chamaID any
	if n.ChamaID != nil {
		chamaID = *n.ChamaID
	}
	var metadata any
	if len(n.Metadata) > 0 {
		metadata = n.Metadata
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, user_id, chama_id, category, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		n.UserID,
		chamaID,
		string(n.Category),
		n.Message,
		metadata,
		n.CreatedAt,
	).Error
}

// ListInbox returns the newest notifications for a user.
func (s *Service) ListInbox(ctx context.Context, userID snowflake.ID, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []Notification
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, chama_id, category, message, metadata, read_at, created_at
		 FROM notifications
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	return items, err
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// detach keeps request values but drops the caller's deadline so a chama
// that ran out of time still gets its notifications written.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
}

func metadataFrom(ctx context.Context) datatypes.JSON {
	meta := map[string]string{}
	if runID := obscontext.RunIDFromContext(ctx); runID != "" {
		meta["run_id"] = runID
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		meta["request_id"] = requestID
	}
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
