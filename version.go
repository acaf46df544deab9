package skm

import "github.com/blang/semver"

const HostName = "sk-manager-host"

var CURRENT_VERSION = semver.MustParse("1.2.0")
