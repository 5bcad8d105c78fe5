package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/proof-module/internal/bitstring"
	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/keys"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

const testListSize = 1024

func newTestStatusListService(t *testing.T, repo repository.StatusListRepository) *StatusListService {
	t.Helper()
	signer, err := keys.Generate("test-key")
	require.NoError(t, err)
	return NewStatusListService(repo, signer, testListSize, "https://status.example.com/", "did:web:status.example.com", testLogger())
}

func TestListURL(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	assert.Equal(t,
		"https://status.example.com/status/lists/revocation/42",
		svc.ListURL(model.PurposeRevocation, "42"),
	)
}

func TestEnsureList_Idempotent(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")

	first, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)
	assert.Equal(t, testListSize, first.Size)
	assert.NotEmpty(t, first.ETag)
	assert.True(t, strings.HasPrefix(first.Bitstring, "u"), "multibase base64url")

	second, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, 1, repo.calls.create, "повторный вызов не создаёт строку")

	buf, err := bitstring.Decode(first.Bitstring, first.Size)
	require.NoError(t, err)
	for i := 0; i < testListSize; i++ {
		require.False(t, bitstring.CheckBit(buf, i))
	}
}

// racingCreate — репозиторий, в котором чужой процесс успевает создать
// строку между GetByURL и Create.
type racingCreate struct {
	*memStatusLists
	winner *model.StatusList
}

func (r *racingCreate) Create(ctx context.Context, sl *model.StatusList) error {
	if r.winner != nil {
		_ = r.memStatusLists.Create(ctx, r.winner)
		r.winner = nil
	}
	return r.memStatusLists.Create(ctx, sl)
}

func TestEnsureList_ConcurrentCreatorReRead(t *testing.T) {
	mem := newMemStatusLists()
	url := "https://status.example.com/status/lists/suspension/7"
	winner := &model.StatusList{
		ID: "winner", URL: url, Purpose: model.PurposeSuspension,
		Size: testListSize, ETag: "winner-etag",
	}
	repo := &racingCreate{memStatusLists: mem, winner: winner}
	svc := newTestStatusListService(t, repo)

	sl, err := svc.EnsureList(context.Background(), url, model.PurposeSuspension)
	require.NoError(t, err)
	assert.Equal(t, "winner", sl.ID, "проигравший создатель возвращает чужую строку")
}

func TestEnsureList_ConcurrentInProcess(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	url := svc.ListURL(model.PurposeRevocation, "hot")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sl, err := svc.EnsureList(context.Background(), url, model.PurposeRevocation)
			if err == nil {
				ids[i] = sl.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	lists, err := repo.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, lists, 1)
}

// gatedLists задерживает первое чтение до release и, как настоящая БД,
// отвечает ошибкой отменённого контекста.
type gatedLists struct {
	*memStatusLists
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLists) GetByURL(ctx context.Context, url string) (*model.StatusList, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.memStatusLists.GetByURL(ctx, url)
}

func (g *gatedLists) Create(ctx context.Context, sl *model.StatusList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.memStatusLists.Create(ctx, sl)
}

func TestEnsureList_CancelledCallerDoesNotFailOthers(t *testing.T) {
	mem := newMemStatusLists()
	repo := &gatedLists{memStatusLists: mem, entered: make(chan struct{}), release: make(chan struct{})}
	svc := newTestStatusListService(t, repo)
	url := svc.ListURL(model.PurposeRevocation, "shared")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.EnsureList(firstCtx, url, model.PurposeRevocation)
		firstErr <- err
	}()
	<-repo.entered

	type outcome struct {
		sl  *model.StatusList
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		sl, err := svc.EnsureList(context.Background(), url, model.PurposeRevocation)
		second <- outcome{sl, err}
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled, "отменённый вызывающий перестаёт ждать")
	close(repo.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, url, got.sl.URL)

	stored, err := mem.GetByURL(context.Background(), url)
	require.NoError(t, err, "общий вызов завершился несмотря на отмену первого")
	assert.Equal(t, got.sl.ID, stored.ID)
	assert.Equal(t, 1, mem.calls.create)
}

func TestApplyOps_SetGetClear(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")
	created, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)

	updated, err := svc.ApplyOps(ctx, url, []bitstring.Operation{
		{Op: bitstring.OpSet, Index: 5},
		{Op: bitstring.OpSet, Index: 1023},
		{Op: bitstring.OpFlip, Index: 9},
	})
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)

	for idx, want := range map[int]bool{0: false, 5: true, 9: true, 1023: true, 1022: false} {
		got, err := svc.GetBit(ctx, url, idx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "бит %d", idx)
	}

	_, err = svc.ApplyOps(ctx, url, []bitstring.Operation{{Op: bitstring.OpClear, Index: 5}})
	require.NoError(t, err)
	got, err := svc.GetBit(ctx, url, 5)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestApplyOps_InvalidIndexNotRetried(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")
	before, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)

	_, err = svc.ApplyOps(ctx, url, []bitstring.Operation{
		{Op: bitstring.OpSet, Index: 3},
		{Op: bitstring.OpSet, Index: testListSize},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, bitstring.ErrIndexOutOfRange)
	assert.Equal(t, 0, repo.calls.update)

	after, err := repo.GetByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, before.Bitstring, after.Bitstring)
	assert.Equal(t, before.ETag, after.ETag)
}

func TestApplyOps_Errors(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	ctx := context.Background()

	_, err := svc.ApplyOps(ctx, "https://status.example.com/missing", []bitstring.Operation{{Op: bitstring.OpSet, Index: 1}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ApplyOps(ctx, "https://status.example.com/missing", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.GetBit(ctx, "https://status.example.com/missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyOps_ExhaustsAfterThreeAttempts(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	ctx := context.Background()
	url := svc.ListURL(model.PurposeSuspension, "contended")
	before, err := svc.EnsureList(ctx, url, model.PurposeSuspension)
	require.NoError(t, err)

	// Каждую попытку обгоняет другой писатель.
	repo.beforeUpdate = repo.bump

	_, err = svc.ApplyOps(ctx, url, []bitstring.Operation{{Op: bitstring.OpSet, Index: 1}})
	require.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, DefaultWriteAttempts, repo.calls.update)

	after, err := repo.GetByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, before.Bitstring, after.Bitstring, "ни одна попытка не записала содержимое")
}

func TestApplyOps_ThreeConcurrentWriters(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "shared")
	_, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)

	indexes := []int{10, 20, 30}
	errs := make([]error, len(indexes))
	var wg sync.WaitGroup
	for i, idx := range indexes {
		wg.Add(1)
		go func(i, idx int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyOps(ctx, url, []bitstring.Operation{{Op: bitstring.OpSet, Index: idx}})
		}(i, idx)
	}
	wg.Wait()

	for i, idx := range indexes {
		set, err := svc.GetBit(ctx, url, idx)
		require.NoError(t, err)
		switch {
		case errs[i] == nil:
			assert.True(t, set, "успешная запись %d видна", idx)
		case errors.Is(errs[i], ErrWriteConflict):
			assert.False(t, set, "конфликт не оставляет частичной записи %d", idx)
		default:
			t.Fatalf("неожиданная ошибка писателя %d: %v", idx, errs[i])
		}
	}
}

func TestGetBit_OutOfRange(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")
	_, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)

	_, err = svc.GetBit(ctx, url, testListSize)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.GetBit(ctx, url, -1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetBit_CorruptList(t *testing.T) {
	repo := newMemStatusLists()
	svc := newTestStatusListService(t, repo)
	url := "https://status.example.com/status/lists/revocation/broken"
	require.NoError(t, repo.Create(context.Background(), &model.StatusList{
		ID: "broken", URL: url, Purpose: model.PurposeRevocation,
		Bitstring: "uAAAA", Size: testListSize, ETag: "e",
	}))

	_, err := svc.GetBit(context.Background(), url, 1)
	assert.ErrorIs(t, err, ErrCorruptList)
}

func TestGetCompressedBitstring(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")
	sl, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)

	encoded, etag, err := svc.GetCompressedBitstring(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, sl.Bitstring, encoded)
	assert.Equal(t, sl.ETag, etag)
}

func TestDocumentAndSignedDocument(t *testing.T) {
	repo := newMemStatusLists()
	signer, err := keys.Generate("status-1")
	require.NoError(t, err)
	svc := NewStatusListService(repo, signer, testListSize, "https://status.example.com", "did:web:status.example.com", testLogger())
	ctx := context.Background()
	url := svc.ListURL(model.PurposeSuspension, "9")
	sl, err := svc.EnsureList(ctx, url, model.PurposeSuspension)
	require.NoError(t, err)

	doc := svc.Document(sl)
	assert.Equal(t, []string{"https://www.w3.org/ns/credentials/v2"}, doc.Context)
	assert.Equal(t, url, doc.ID)
	assert.Contains(t, doc.Type, "BitstringStatusListCredential")
	assert.Equal(t, "did:web:status.example.com", doc.Issuer)
	assert.Equal(t, url+"#list", doc.CredentialSubject.ID)
	assert.Equal(t, "BitstringStatusList", doc.CredentialSubject.Type)
	assert.Equal(t, "suspension", doc.CredentialSubject.StatusPurpose)
	assert.Equal(t, sl.Bitstring, doc.CredentialSubject.EncodedList)

	token, err := svc.SignedDocument(sl)
	require.NoError(t, err)

	kf, err := keyfunc.NewJWKSetJSON(signer.PublicJWKS())
	require.NoError(t, err)
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, kf.Keyfunc)
	require.NoError(t, err)
	assert.Equal(t, "vc+jwt", parsed.Header["typ"])
	assert.Equal(t, url, claims["sub"])
	vc, ok := claims["vc"].(map[string]any)
	require.True(t, ok)
	subject := vc["credentialSubject"].(map[string]any)
	assert.Equal(t, sl.Bitstring, subject["encodedList"])

	noSigner := NewStatusListService(repo, nil, testListSize, "https://status.example.com", "issuer", testLogger())
	_, err = noSigner.SignedDocument(sl)
	assert.Error(t, err)
}

func TestCountSet(t *testing.T) {
	svc := newTestStatusListService(t, newMemStatusLists())
	ctx := context.Background()
	url := svc.ListURL(model.PurposeRevocation, "1")
	_, err := svc.EnsureList(ctx, url, model.PurposeRevocation)
	require.NoError(t, err)
	sl, err := svc.ApplyOps(ctx, url, []bitstring.Operation{
		{Op: bitstring.OpSet, Index: 1},
		{Op: bitstring.OpSet, Index: 2},
		{Op: bitstring.OpSet, Index: 3},
	})
	require.NoError(t, err)

	n, err := svc.CountSet(sl)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
