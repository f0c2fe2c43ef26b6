package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RotationConfig carries batch tuning and notification copy that operators
// may change without a redeploy.
type RotationConfig struct {
	Parallelism  int              `mapstructure:"parallelism"`
	BatchSize    int              `mapstructure:"batchSize"`
	LockTTL      time.Duration    `mapstructure:"lockTTL"`
	ChamaTimeout time.Duration    `mapstructure:"chamaTimeout"`
	Messages     MessageTemplates `mapstructure:"messages"`
}

// MessageTemplates use {chama}, {amount} and {recipient} placeholders.
type MessageTemplates struct {
	ChamaStarted    string `mapstructure:"chamaStarted"`
	PayoutReceived  string `mapstructure:"payoutReceived"`
	PayoutCompleted string `mapstructure:"payoutCompleted"`
	RoundRefunded   string `mapstructure:"roundRefunded"`
}

func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		Parallelism:  4,
		BatchSize:    100,
		LockTTL:      3 * time.Minute,
		ChamaTimeout: 2 * time.Minute,
		Messages: MessageTemplates{
			ChamaStarted:    "{chama} has started. Check the app for your payout date.",
			PayoutReceived:  "You received {amount} from {chama}.",
			PayoutCompleted: "{chama} paid out {amount} to {recipient} this round.",
			RoundRefunded:   "{chama} skipped this round because not every member contributed. Contributions were returned.",
		},
	}
}

type RotationConfigHolder struct {
	current atomic.Value // holds RotationConfig
}

func NewRotationConfigHolder() (*RotationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("rotation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/chama")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHAMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRotationConfig()
	v.SetDefault("rotation.parallelism", defaults.Parallelism)
	v.SetDefault("rotation.batchSize", defaults.BatchSize)
	v.SetDefault("rotation.lockTTL", defaults.LockTTL)
	v.SetDefault("rotation.chamaTimeout", defaults.ChamaTimeout)
	v.SetDefault("rotation.messages.chamaStarted", defaults.Messages.ChamaStarted)
	v.SetDefault("rotation.messages.payoutReceived", defaults.Messages.PayoutReceived)
	v.SetDefault("rotation.messages.payoutCompleted", defaults.Messages.PayoutCompleted)
	v.SetDefault("rotation.messages.roundRefunded", defaults.Messages.RoundRefunded)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg RotationConfig
	if err := v.UnmarshalKey("rotation", &cfg); err != nil {
		return nil, err
	}
	if err := validateRotationConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRotationConfig(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RotationConfig
		if err := v.UnmarshalKey("rotation", &updated); err != nil {
			log.Printf("[rotation-config] reload failed: %v", err)
			return
		}
		if err := validateRotationConfig(updated); err != nil {
			log.Printf("[rotation-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated.withDefaults())
		log.Printf("[rotation-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticRotationConfig returns a holder that never reloads.
func NewStaticRotationConfig(cfg RotationConfig) *RotationConfigHolder {
	holder := &RotationConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *RotationConfigHolder) Get() RotationConfig {
	if h == nil {
		return DefaultRotationConfig()
	}
	return h.current.Load().(RotationConfig)
}

func (c RotationConfig) withDefaults() RotationConfig {
	defaults := DefaultRotationConfig()
	if c.Parallelism <= 0 {
		c.Parallelism = defaults.Parallelism
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.ChamaTimeout <= 0 {
		c.ChamaTimeout = defaults.ChamaTimeout
	}
	if strings.TrimSpace(c.Messages.ChamaStarted) == "" {
		c.Messages.ChamaStarted = defaults.Messages.ChamaStarted
	}
	if strings.TrimSpace(c.Messages.PayoutReceived) == "" {
		c.Messages.PayoutReceived = defaults.Messages.PayoutReceived
	}
	if strings.TrimSpace(c.Messages.PayoutCompleted) == "" {
		c.Messages.PayoutCompleted = defaults.Messages.PayoutCompleted
	}
	if strings.TrimSpace(c.Messages.RoundRefunded) == "" {
		c.Messages.RoundRefunded = defaults.Messages.RoundRefunded
	}
	return c
}

func validateRotationConfig(cfg RotationConfig) error {
	if cfg.Parallelism < 1 || cfg.Parallelism > 64 {
		return errors.New("rotation.parallelism must be between 1 and 64")
	}
	if cfg.BatchSize < 1 {
		return errors.New("rotation.batchSize must be positive")
	}
	if cfg.LockTTL < 0 || cfg.ChamaTimeout < 0 {
		return errors.New("rotation.lockTTL and rotation.chamaTimeout cannot be negative")
	}
	if cfg.LockTTL > 0 && cfg.ChamaTimeout > 0 && cfg.LockTTL < cfg.ChamaTimeout {
		return errors.New("rotation.lockTTL must outlive rotation.chamaTimeout")
	}
	return nil
}

// Render fills a message template.
func Render(template string, chama, amount, recipient string) string {
	return strings.NewReplacer(
		"{chama}", chama,
		"{amount}", amount,
		"{recipient}", recipient,
	).Replace(template)
}
