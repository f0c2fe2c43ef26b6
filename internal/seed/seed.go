package seed

import (
	"context"
	"fmt"

	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	demoChamaName   = "Demo Rotation"
	demoMemberCount = 3
	demoCycleDays   = 7
	demoAmount      = "100"
)

var Module = fx.Module("seed",
	fx.Invoke(func(lc fx.Lifecycle, p Params) {
		if !p.Config.SeedDemo {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				_, err := EnsureDemo(ctx, p)
				return err
			},
		})
	}),
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Chamas chamadomain.Service
}

// EnsureDemo creates a private demo chama with custodial members that
// starts on the next tick. It is a no-op once any chama exists.
func EnsureDemo(ctx context.Context, p Params) (*chamadomain.Chama, error) {
	log := p.Log.Named("seed")

	var existing int64
	if err := p.DB.WithContext(ctx).Model(&chamadomain.Chama{}).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		log.Debug("demo seed skipped", zap.Int64("chamas", existing))
		return nil, nil
	}

	members := make([]*chamadomain.User, 0, demoMemberCount)
	for i := 1; i <= demoMemberCount; i++ {
		user, err := p.Chamas.CreateUser(ctx, chamadomain.CreateUserRequest{
			DisplayName: fmt.Sprintf("Demo Member %d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("seed demo member: %w", err)
		}
		members = append(members, user)
	}

	chama, err := p.Chamas.Create(ctx, chamadomain.CreateChamaRequest{
		Name:               demoChamaName,
		Description:        "Seeded for local development.",
		ContributionAmount: demoAmount,
		CycleDays:          demoCycleDays,
		MaxMembers:         demoMemberCount,
		StartDate:          p.Clock.Now().UTC(),
		OnchainID:          1,
		AdminID:            members[0].ID,
	})
	if err != nil {
		return nil, fmt.Errorf("seed demo chama: %w", err)
	}

	for _, user := range members {
		if _, err := p.Chamas.AddMember(ctx, chamadomain.AddMemberRequest{ChamaID: chama.ID, UserID: user.ID}); err != nil {
			return nil, fmt.Errorf("seed demo membership: %w", err)
		}
	}

	log.Info("demo chama seeded",
		zap.String("chama_id", chama.ID.String()),
		zap.Int64("onchain_id", chama.OnchainID),
		zap.Int("members", len(members)),
	)
	return chama, nil
}
