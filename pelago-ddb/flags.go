package pelagoddb

import (
	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	"github.com/urfave/cli/v2"
)

var DDBOpts struct {
	DAXCluster string
	Region     string
	TableName  string
}

var DAXClusterFlag = pelagocli.StringFlag("dax-cluster", "The DAX cluster to connect to", &DDBOpts.DAXCluster)
var RegionFlag = pelagocli.StringFlag("region", "The AWS region the DAX cluster lives in", &DDBOpts.Region)
var TableNameFlag = pelagocli.StringFlag("table-name", "The table name to read streams from", &DDBOpts.TableName)

var DDBFlags = []cli.Flag{
	DAXClusterFlag,
	RegionFlag,
	TableNameFlag,
}
