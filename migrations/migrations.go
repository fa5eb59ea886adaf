package migrations

import (
	"github.com/AvaProtocol/userop-sponsor/core/migrator"
)

// Migrations is applied in order on every start. Names are recorded in the
// store, so never rename or reorder an entry once it has shipped.
var Migrations = []migrator.Migration{
	{
		Name:     "20261017-090000-backfill-sender-index",
		Function: BackfillSenderIndex,
	},
	{
		Name:     "20261017-091500-rebuild-status-counters",
		Function: RebuildStatusCounters,
	},
}
