// Copyright (C) 2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/facerunner/internal/admission"
	"github.com/cardinalhq/facerunner/internal/engine"
	"github.com/cardinalhq/facerunner/internal/health"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/ingest"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

// APIConfig covers the JSON search API.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// DataConfig locates the on-disk state shared by serve and ingest.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Admission admission.Config `mapstructure:"admission"`
	Retry     retrier.Policy   `mapstructure:"retry"`
	Health    health.Config    `mapstructure:"health"`
	Extractor inference.Config `mapstructure:"extractor"`
	Index     vecindex.Config  `mapstructure:"index"`
	Engine    engine.Config    `mapstructure:"engine"`
	Ingest    ingest.Config    `mapstructure:"ingest"`
	API       APIConfig        `mapstructure:"api"`
	Data      DataConfig       `mapstructure:"data"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "FACERUNNER" and the dot character
// in keys is replaced by an underscore. For example, "admission.ceiling"
// becomes "FACERUNNER_ADMISSION_CEILING".
func Load() (*Config, error) {
	cfg := &Config{
		Admission: admission.DefaultConfig(),
		Retry:     retrier.DefaultPolicy(),
		Health:    health.DefaultConfig(),
		Extractor: inference.DefaultConfig(),
		Index:     vecindex.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		API:       APIConfig{Port: 8080},
		Data:      DataConfig{Dir: "./data"},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("FACERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
