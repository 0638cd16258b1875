package recoveryconfig_test

import (
	"time"

	"github.com/glebarez/sqlite"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/recoveryconfig"
)

func openDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(db.AutoMigrate(
		&models.PIVToken{},
		&models.RecoveryToken{},
		&models.RecoveryConfiguration{},
		&models.RecoveryConfigurationTransition{},
	)).To(Succeed())
	return db
}

func newPIV(repo *store.Repo, guid, cnUUID string) *models.PIVToken {
	tok := &models.PIVToken{
		GUID:    guid,
		CNUUID:  cnUUID,
		Pin:     "1234",
		PubKeys: models.PubKeysJSON{Slot9E: "ssh-ed25519 AAAA"},
		Created: time.Now().UTC(),
	}
	Expect(repo.PIVTokens.Create(tok)).To(Succeed())
	return tok
}

func newStagedToken(repo *store.Repo, piv, cfgUUID string) *models.RecoveryToken {
	now := time.Now().UTC()
	tok := &models.RecoveryToken{
		UUID:                  models.NewEtag(),
		PIVToken:              piv,
		RecoveryConfiguration: cfgUUID,
		Token:                 "deadbeef",
		Created:               now,
		Staged:                &now,
	}
	Expect(repo.Tokens.Create(tok)).To(Succeed())
	return tok
}

// Covers spec.md §4.5's Service.Do invariants: target-subset sizing,
// staged-token coverage before activation, transition-already-exists
// rejection, the standalone/forced distinction (SPEC_FULL.md's
// worked "forced single-CN activation" example), and cancel.
var _ = Describe("Service.Do", func() {
	var (
		repo *store.Repo
		svc  *recoveryconfig.Service
		cfg  *models.RecoveryConfiguration
	)

	BeforeEach(func() {
		repo = store.NewRepo(openDB())
		svc = &recoveryconfig.Service{Repo: repo, Machine: recoveryconfig.NewMachine()}

		var err error
		cfg, _, err = svc.Create("template-body")
		Expect(err).NotTo(HaveOccurred())
	})

	Context("with an empty fleet", func() {
		It("is born staged and activated by the bootstrap invariant", func() {
			Expect(cfg.Staged).NotTo(BeNil())
			Expect(cfg.Activated).NotTo(BeNil())
		})
	})

	Context("with fleet members", func() {
		BeforeEach(func() {
			newPIV(repo, "guid-1", "cn-1")
			newPIV(repo, "guid-2", "cn-2")

			// Rebuild the configuration now that the fleet is non-empty
			// so it starts in the "created" state rather than bootstrap.
			var err error
			cfg, _, err = svc.Create("template-body-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Staged).To(BeNil())
		})

		It("rejects a target subset whose size does not match the fleet size", func() {
			_, err := svc.Do(recoveryconfig.DoParams{
				UUID:    cfg.UUID,
				Action:  recoveryconfig.ActionStage,
				Targets: []string{"cn-1"},
			})
			Expect(err).To(HaveOccurred())
		})

		It("allows a forced single-CN activation to bypass the subset-size check and marks it standalone", func() {
			// SPEC_FULL.md's "forced single-CN activation" scenario:
			// the fleet must already be staged before it can activate.
			Expect(repo.Batch(func(tx *store.Repo) error {
				return recoveryconfig.AdvanceConfiguration(tx, cfg, recoveryconfig.ActionStage)
			})).To(Succeed())
			var err error
			cfg, err = repo.Configs.Get(cfg.UUID)
			Expect(err).NotTo(HaveOccurred())

			result, err := svc.Do(recoveryconfig.DoParams{
				UUID:    cfg.UUID,
				Action:  recoveryconfig.ActionActivate,
				Targets: []string{"cn-1"},
				Force:   true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Transition.Standalone).To(BeTrue())
			Expect(result.Transition.Forced).To(BeTrue())
		})

		It("does not mark a forced whole-fleet action standalone", func() {
			result, err := svc.Do(recoveryconfig.DoParams{
				UUID:   cfg.UUID,
				Action: recoveryconfig.ActionStage,
				Force:  true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Transition.Standalone).To(BeFalse())
		})

		It("rejects a second stage while an identically-named transition is unfinished", func() {
			_, err := svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionStage})
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionStage})
			Expect(err).To(HaveOccurred())
			var already *recoveryconfig.TransitionAlreadyExistsError
			Expect(err).To(BeAssignableToTypeOf(already))
		})

		It("rejects activation until every fleet member has a staged token, unless forced", func() {
			Expect(repo.Batch(func(tx *store.Repo) error {
				return recoveryconfig.AdvanceConfiguration(tx, cfg, recoveryconfig.ActionStage)
			})).To(Succeed())
			var err error
			cfg, err = repo.Configs.Get(cfg.UUID)
			Expect(err).NotTo(HaveOccurred())

			newStagedToken(repo, "guid-1", cfg.UUID)
			// guid-2 has no staged token.

			_, err = svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionActivate})
			Expect(err).To(HaveOccurred())

			result, err := svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionActivate, Force: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Transition).NotTo(BeNil())
		})

		It("cancels the one unfinished transition", func() {
			_, err := svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionStage})
			Expect(err).NotTo(HaveOccurred())

			result, err := svc.Do(recoveryconfig.DoParams{UUID: cfg.UUID, Action: recoveryconfig.ActionCancel})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Transition.Aborted).To(BeTrue())
		})
	})

	Context("expire", func() {
		It("expires every unexpired recovery token for the configuration", func() {
			newPIV(repo, "guid-3", "cn-3")
			active, _, err := svc.Create("template-active")
			Expect(err).NotTo(HaveOccurred())

			// Fast-forward straight to active — normally the
			// orchestrator does this once a stage/activate transition
			// finishes.
			Expect(repo.Batch(func(tx *store.Repo) error {
				return recoveryconfig.AdvanceConfiguration(tx, active, recoveryconfig.ActionStage)
			})).To(Succeed())
			active, err = repo.Configs.Get(active.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Batch(func(tx *store.Repo) error {
				return recoveryconfig.AdvanceConfiguration(tx, active, recoveryconfig.ActionActivate)
			})).To(Succeed())
			active, err = repo.Configs.Get(active.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(active.State()).To(Equal(models.ConfigStateActive))

			tok := newStagedToken(repo, "guid-3", active.UUID)

			_, err = svc.Do(recoveryconfig.DoParams{UUID: active.UUID, Action: recoveryconfig.ActionExpire})
			Expect(err).NotTo(HaveOccurred())

			reloaded, err := repo.Tokens.Get(tok.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloaded.Expired).NotTo(BeNil())
		})
	})
})
