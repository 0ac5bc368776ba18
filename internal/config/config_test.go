package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/kinship/internal/config"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDefaults(t *testing.T) {
	Convey("Given no file and no environment overrides", t, func() {
		t.Setenv("KINSHIP_CONFIG", "")
		os.Unsetenv("KINSHIP_CONFIG")

		cfg, err := config.Load(context.Background())
		So(err, ShouldBeNil)

		Convey("Then the matching knobs hold their defaults", func() {
			So(cfg.AutoMergeThreshold, ShouldEqual, 0.85)
			So(cfg.ReviewThreshold, ShouldEqual, 0.60)
			So(cfg.EmailWeight, ShouldEqual, 0.40)
			So(cfg.PhoneWeight, ShouldEqual, 0.25)
			So(cfg.NameWeight, ShouldEqual, 0.20)
			So(cfg.CompanyWeight, ShouldEqual, 0.15)
		})
		Convey("Then the decay knobs hold their defaults", func() {
			So(cfg.DecayRate, ShouldEqual, 0.02)
			So(cfg.Saturation, ShouldEqual, 0.25)
			So(cfg.InterestAlpha, ShouldEqual, 0.3)
			So(cfg.InterestDecayFactor, ShouldEqual, 0.98)
			So(cfg.InterestFloor, ShouldEqual, 0.05)
		})
		Convey("Then the runtime knobs hold their defaults", func() {
			So(cfg.Addr, ShouldEqual, ":9080")
			So(cfg.LogLevel, ShouldEqual, "info")
			So(cfg.QueueSize, ShouldEqual, 100_000)
			So(cfg.DedupeSize, ShouldEqual, 50_000)
			So(cfg.StoreRetries, ShouldEqual, 3)
			So(cfg.SourceTrust["manual"], ShouldEqual, 1.0)
			So(cfg.TypeWeights["meeting"], ShouldEqual, 3.0)
		})
	})
}

func TestEnvironmentOverrides(t *testing.T) {
	Convey("Given KINSHIP_ environment variables", t, func() {
		os.Unsetenv("KINSHIP_CONFIG")
		t.Setenv("KINSHIP_ADDR", ":7070")
		t.Setenv("KINSHIP_LOG_LEVEL", "debug")
		t.Setenv("KINSHIP_AUTO_MERGE_THRESHOLD", "0.9")
		t.Setenv("KINSHIP_QUEUE_SIZE", "500")

		cfg, err := config.Load(context.Background())
		So(err, ShouldBeNil)

		Convey("Then the variables override the defaults", func() {
			So(cfg.Addr, ShouldEqual, ":7070")
			So(cfg.LogLevel, ShouldEqual, "debug")
			So(cfg.AutoMergeThreshold, ShouldEqual, 0.9)
			So(cfg.QueueSize, ShouldEqual, 500)
		})
		Convey("Then untouched fields keep their defaults", func() {
			So(cfg.ReviewThreshold, ShouldEqual, 0.60)
			So(cfg.EmailWeight, ShouldEqual, 0.40)
		})
	})
}

func TestFileLayering(t *testing.T) {
	Convey("Given a YAML config file", t, func() {
		path := filepath.Join(t.TempDir(), "kinship.yaml")
		So(os.WriteFile(path, []byte("addr: \":6060\"\nreview_threshold: 0.5\n"), 0o600), ShouldBeNil)
		t.Setenv("KINSHIP_CONFIG", path)

		Convey("When only the file overrides are present", func() {
			cfg, err := config.Load(context.Background())
			So(err, ShouldBeNil)
			So(cfg.Addr, ShouldEqual, ":6060")
			So(cfg.ReviewThreshold, ShouldEqual, 0.5)
		})
		Convey("When an environment variable disagrees with the file", func() {
			t.Setenv("KINSHIP_ADDR", ":5050")
			cfg, err := config.Load(context.Background())
			So(err, ShouldBeNil)

			Convey("Then the environment wins", func() {
				So(cfg.Addr, ShouldEqual, ":5050")
				So(cfg.ReviewThreshold, ShouldEqual, 0.5)
			})
		})
		Convey("When the file path does not exist", func() {
			t.Setenv("KINSHIP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			_, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
		})
	})
}

func TestValidation(t *testing.T) {
	Convey("Given configuration that violates an invariant", t, func() {
		os.Unsetenv("KINSHIP_CONFIG")

		Convey("When the review threshold crosses the auto threshold", func() {
			t.Setenv("KINSHIP_REVIEW_THRESHOLD", "0.9")
			_, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
		Convey("When the auto threshold exceeds one", func() {
			t.Setenv("KINSHIP_AUTO_MERGE_THRESHOLD", "1.5")
			_, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
		Convey("When the listen address is cleared", func() {
			t.Setenv("KINSHIP_ADDR", "")
			_, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
		Convey("When the interest decay factor leaves (0,1)", func() {
			t.Setenv("KINSHIP_INTEREST_DECAY_FACTOR", "1.0")
			_, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}
