// Package pricing собирает финансовый снимок заказа: доставка, скидка, налог.
package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/promotion"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/shipping"
)

// Config отражает YAML-файл с правилами ценообразования.
type Config struct {
	Shipping   shipping.Config    `yaml:"shipping"`
	Promotions []promotion.Config `yaml:"promotions"`
	Tax        TaxConfig          `yaml:"tax"`
}

// TaxConfig задаёт плоскую ставку налога. Правила юрисдикций задаются вне сервиса.
type TaxConfig struct {
	// Rate: доля, например "0.06" для 6%.
	Rate            string `yaml:"rate"`
	IncludeShipping bool   `yaml:"include_shipping"`
}

// DefaultConfig используется, когда файл не задан: доставка в любую точку бесплатна, налога нет.
func DefaultConfig() Config {
	return Config{
		Shipping: shipping.Config{
			Zones: []shipping.ZoneConfig{{
				ID:    "default",
				Rules: []shipping.RuleConfig{{ID: "flat", Rate: "0"}},
			}},
		},
	}
}

// LoadConfig читает YAML с диска.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open pricing config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig разбирает YAML, неизвестные поля считаются ошибкой.
func ParseConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read pricing config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("decode pricing config: %w", err)
	}
	return cfg, nil
}
