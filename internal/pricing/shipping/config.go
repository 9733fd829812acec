package shipping

// Config описывает зоны и тарифы доставки в YAML.
type Config struct {
	// FreeShippingThreshold: глобальный порог бесплатной доставки; пусто, если его нет.
	FreeShippingThreshold string       `yaml:"free_shipping_threshold"`
	Zones                 []ZoneConfig `yaml:"zones"`
}

// ZoneConfig описывает зону доставки. Пустые списки не ограничивают зону.
// Зона без ограничений работает как catch-all.
type ZoneConfig struct {
	ID                    string       `yaml:"id"`
	Countries             []string     `yaml:"countries"`
	States                []string     `yaml:"states"`
	Cities                []string     `yaml:"cities"`
	PostalCodes           []string     `yaml:"postal_codes"`
	FreeShippingThreshold string       `yaml:"free_shipping_threshold"`
	Rules                 []RuleConfig `yaml:"rules"`
}

// RuleConfig описывает тариф внутри зоны. Нулевые границы не ограничивают.
type RuleConfig struct {
	ID             string   `yaml:"id"`
	Priority       int      `yaml:"priority"`
	Methods        []string `yaml:"methods"`
	MinSubtotal    string   `yaml:"min_subtotal"`
	MinWeightGrams int64    `yaml:"min_weight_grams"`
	MaxWeightGrams int64    `yaml:"max_weight_grams"`
	MinItems       int32    `yaml:"min_items"`
	MaxItems       int32    `yaml:"max_items"`
	Rate           string   `yaml:"rate"`
	PerKg          string   `yaml:"per_kg"`
}
