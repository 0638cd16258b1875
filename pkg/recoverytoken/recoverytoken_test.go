package recoverytoken_test

import (
	"time"

	"github.com/glebarez/sqlite"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/recoverytoken"
)

func openDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(db.AutoMigrate(
		&models.RecoveryToken{},
		&models.RecoveryConfiguration{},
	)).To(Succeed())
	return db
}

func newToken(repo *store.Repo, piv, cfg string) *models.RecoveryToken {
	tok := &models.RecoveryToken{
		UUID:                  models.NewEtag(),
		PIVToken:              piv,
		RecoveryConfiguration: cfg,
		Token:                 "deadbeef",
		Created:               time.Now().UTC(),
	}
	Expect(repo.Tokens.Create(tok)).To(Succeed())
	return tok
}

// Covers the cross-sibling rules for one (PIV, configuration) pair:
// staging a token expires any sibling that is staged but not activated,
// and activating a token expires any activated sibling, each in the
// same atomic batch as the state change.
var _ = Describe("Service", func() {
	var (
		repo *store.Repo
		svc  *recoverytoken.Service
	)

	BeforeEach(func() {
		repo = store.NewRepo(openDB())
		svc = &recoverytoken.Service{Repo: repo}
	})

	Context("Stage", func() {
		It("expires a previously staged, unactivated sibling", func() {
			piv, cfg := "piv-1", "cfg-1"
			first := newToken(repo, piv, cfg)
			second := newToken(repo, piv, cfg)

			_, err := svc.Stage(first.UUID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Stage(second.UUID)
			Expect(err).NotTo(HaveOccurred())

			reloadedFirst, err := repo.Tokens.Get(first.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedFirst.Expired).NotTo(BeNil())

			reloadedSecond, err := repo.Tokens.Get(second.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedSecond.IsStagedUnexpired()).To(BeTrue())
		})

		It("does not expire an already-activated sibling", func() {
			piv, cfg := "piv-2", "cfg-2"
			active := newToken(repo, piv, cfg)
			_, err := svc.Stage(active.UUID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Activate(active.UUID)
			Expect(err).NotTo(HaveOccurred())

			next := newToken(repo, piv, cfg)
			_, err = svc.Stage(next.UUID)
			Expect(err).NotTo(HaveOccurred())

			reloadedActive, err := repo.Tokens.Get(active.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedActive.IsActivatedUnexpired()).To(BeTrue())
		})

		It("leaves siblings of a different PIV token untouched", func() {
			cfg := "cfg-shared"
			ours := newToken(repo, "piv-a", cfg)
			other := newToken(repo, "piv-b", cfg)
			_, err := svc.Stage(other.UUID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Stage(ours.UUID)
			Expect(err).NotTo(HaveOccurred())

			reloadedOther, err := repo.Tokens.Get(other.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedOther.IsStagedUnexpired()).To(BeTrue())
		})
	})

	Context("Activate", func() {
		It("expires a previously activated sibling", func() {
			piv, cfg := "piv-3", "cfg-3"
			first := newToken(repo, piv, cfg)
			second := newToken(repo, piv, cfg)

			_, err := svc.Activate(first.UUID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Activate(second.UUID)
			Expect(err).NotTo(HaveOccurred())

			reloadedFirst, err := repo.Tokens.Get(first.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedFirst.Expired).NotTo(BeNil())

			reloadedSecond, err := repo.Tokens.Get(second.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedSecond.IsActivatedUnexpired()).To(BeTrue())
		})
	})

	Context("Expire", func() {
		It("expires the token unconditionally without touching siblings", func() {
			piv, cfg := "piv-4", "cfg-4"
			tok := newToken(repo, piv, cfg)
			sibling := newToken(repo, piv, cfg)
			_, err := svc.Stage(sibling.UUID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Expire(tok.UUID)
			Expect(err).NotTo(HaveOccurred())

			reloadedTok, err := repo.Tokens.Get(tok.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedTok.Expired).NotTo(BeNil())

			reloadedSibling, err := repo.Tokens.Get(sibling.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadedSibling.IsStagedUnexpired()).To(BeTrue())
		})
	})
})
