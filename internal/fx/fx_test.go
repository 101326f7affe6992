package fx_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	gofx "go.uber.org/fx"

	appfx "github.com/osgrep/osgrep/internal/fx"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/syncer"
)

func Test_AppModule_GraphIsComplete(t *testing.T) {
	t.Setenv("OSGREP_DATA_DIR", t.TempDir())
	err := gofx.ValidateApp(
		appfx.AppModule,
		gofx.Supply(
			gofx.Annotate("", gofx.ResultTags(`name:"dataDir"`)),
			gofx.Annotate("", gofx.ResultTags(`name:"storeName"`)),
		),
		gofx.Invoke(func(sy *syncer.Syncer, se *searcher.Searcher) {}),
	)
	require.NoError(t, err)
}
