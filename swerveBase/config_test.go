package main

import (
	"testing"

	"go.viam.com/test"

	"swerve/drive"
)

func intPtr(v int) *int { return &v }

func simulatedConfig(dir string) *Config {
	return &Config{
		Modules: []ModuleConfig{
			{Name: "fl", X: 0.3, Y: 0.3},
			{Name: "fr", X: 0.3, Y: -0.3},
			{Name: "bl", X: -0.3, Y: 0.3},
			{Name: "br", X: -0.3, Y: -0.3},
		},
		WheelCircumferenceM: 0.32,
		DriveGearRatio:      6.75,
		SteerGearRatio:      12.8,
		MaxSpeedMps:         4,
		PeriodMs:            20,
		TrajectoryDir:       dir,
		Simulated:           true,
	}
}

func hardwareConfig() *Config {
	cfg := simulatedConfig("")
	cfg.Simulated = false
	cfg.MovementSensor = "imu"
	for i := range cfg.Modules {
		m := &cfg.Modules[i]
		m.DriveMotor = m.Name + "-drive"
		m.SteerMotor = m.Name + "-steer"
		m.EncoderCANID = intPtr(i)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("simulated", func(t *testing.T) {
		cfg := simulatedConfig("")
		cfg.Events = map[string]EventConfig{"intake": {Resource: "arm"}}
		deps, err := cfg.Validate("base")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deps, test.ShouldResemble, []string{"arm"})
		test.That(t, cfg.usesCAN(), test.ShouldBeFalse)
	})

	t.Run("hardware", func(t *testing.T) {
		cfg := hardwareConfig()
		deps, err := cfg.Validate("base")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deps, test.ShouldResemble, []string{
			"fl-drive", "fl-steer", "fr-drive", "fr-steer",
			"bl-drive", "bl-steer", "br-drive", "br-steer", "imu",
		})
		test.That(t, cfg.usesCAN(), test.ShouldBeTrue)
		test.That(t, cfg.canChannel(), test.ShouldEqual, "can0")
		test.That(t, canFilterIDs(cfg), test.ShouldResemble, []uint32{0x380, 0x381, 0x382, 0x383})
	})

	for _, tc := range []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"three modules", func(cfg *Config) { cfg.Modules = cfg.Modules[:3] }},
		{"no circumference", func(cfg *Config) { cfg.WheelCircumferenceM = 0 }},
		{"no max speed", func(cfg *Config) { cfg.MaxSpeedMps = 0 }},
		{"fast period", func(cfg *Config) { cfg.PeriodMs = 2 }},
		{"negative timeout", func(cfg *Config) { cfg.CommandTimeoutMs = -1 }},
		{"negative balance speed", func(cfg *Config) { cfg.Balance = &drive.BalanceConfig{MaxVelocity: -0.2} }},
		{"negative heading tolerance", func(cfg *Config) { cfg.HeadingPID = &drive.HeadingConfig{Tolerance: -1} }},
		{"unnamed module", func(cfg *Config) { cfg.Modules[2].Name = "" }},
		{"duplicate module", func(cfg *Config) { cfg.Modules[1].Name = "fl" }},
		{"missing steer", func(cfg *Config) { cfg.Modules[0].SteerMotor = "" }},
		{"both sources", func(cfg *Config) { cfg.Modules[0].DriveCANID = intPtr(3) }},
		{"missing encoder", func(cfg *Config) { cfg.Modules[3].EncoderCANID = nil }},
		{"bad node", func(cfg *Config) { cfg.Modules[3].EncoderCANID = intPtr(200) }},
		{"no gyro", func(cfg *Config) { cfg.MovementSensor = "" }},
		{"event without resource", func(cfg *Config) { cfg.Events = map[string]EventConfig{"x": {}} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := hardwareConfig()
			tc.mutate(cfg)
			_, err := cfg.Validate("base")
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := simulatedConfig("")
	cfg.PeriodMs = 0
	test.That(t, cfg.period(), test.ShouldEqual, defaultPeriod)
	test.That(t, cfg.followerGains(), test.ShouldResemble, drive.DefaultFollowerGains)
	test.That(t, cfg.balanceConfig(), test.ShouldResemble, drive.DefaultBalanceConfig)
	test.That(t, cfg.headingConfig(), test.ShouldResemble, drive.DefaultHeadingConfig)
	test.That(t, cfg.steerGains(), test.ShouldResemble, defaultSteerGains)

	cfg.RotationPID = &drive.Gains{P: 3}
	test.That(t, cfg.followerGains().Rotation, test.ShouldResemble, drive.Gains{P: 3})
	test.That(t, cfg.followerGains().Translation, test.ShouldResemble, drive.DefaultFollowerGains.Translation)

	// partial blocks keep the defaults for what they leave out
	cfg.Balance = &drive.BalanceConfig{Gains: drive.Gains{P: 0.04}}
	balance := cfg.balanceConfig()
	test.That(t, balance.Gains, test.ShouldResemble, drive.Gains{P: 0.04})
	test.That(t, balance.Tolerance, test.ShouldEqual, drive.DefaultBalanceConfig.Tolerance)
	test.That(t, balance.MaxVelocity, test.ShouldEqual, drive.DefaultBalanceConfig.MaxVelocity)

	cfg.Balance = &drive.BalanceConfig{MaxVelocity: 0.5}
	balance = cfg.balanceConfig()
	test.That(t, balance.Gains, test.ShouldResemble, drive.DefaultBalanceConfig.Gains)
	test.That(t, balance.MaxVelocity, test.ShouldEqual, 0.5)

	cfg.HeadingPID = &drive.HeadingConfig{Gains: drive.Gains{P: 1.5}}
	heading := cfg.headingConfig()
	test.That(t, heading.Gains, test.ShouldResemble, drive.Gains{P: 1.5})
	test.That(t, heading.Tolerance, test.ShouldEqual, drive.DefaultHeadingConfig.Tolerance)
	test.That(t, heading.MaxRate, test.ShouldEqual, 0.0)

	cfg.MaxVelocityMps = 2
	test.That(t, cfg.constraints().MaxVelocity, test.ShouldEqual, 2.0)

	m := ModuleConfig{Name: "fl", X: 1, Y: 2, AbsoluteOffsetDeg: 90}
	dc := m.driveConfig()
	test.That(t, dc.AbsoluteOffset.Degrees(), test.ShouldAlmostEqual, 90, 1e-9)
}
