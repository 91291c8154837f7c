package core

import (
	"context"
	"os"
)

// 保留给graveyard目录对象的ID，普通对象ID由idgen生成，不会落在这个区间
const (
	GRAVEYARD_OID  uint64 = 1
	FIRST_USER_OID uint64 = 1024
)

// 默认数据属性和fsverity的merkle叶子属性
const (
	DEFAULT_DATA_ATTRIBUTE_ID    uint64 = 0
	FSVERITY_MERKLE_ATTRIBUTE_ID uint64 = 1
)

// EXTENTFS_CONFIG 未指定配置文件时使用的默认路径
var EXTENTFS_CONFIG = os.Getenv("EXTENTFS_CONFIG")

// Ctx 贯穿store各个阻塞操作的上下文
type Ctx context.Context

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ERR_INCONSISTENT     = Error("inconsistent")
	ERR_NOT_FOUND        = Error("not found")
	ERR_TOO_BIG          = Error("too big")
	ERR_OUT_OF_RANGE     = Error("out of range")
	ERR_ALREADY_EXISTS   = Error("already exists")
	ERR_UNAVAILABLE      = Error("unavailable")
	ERR_NOT_SUPPORTED    = Error("not supported")
	ERR_NOT_FILE         = Error("not a file")
	ERR_NO_SPACE         = Error("no space")
	ERR_INVALID_ARGS     = Error("invalid args")
	ERR_NOT_PREALLOCATED = Error("extent not preallocated")
	ERR_ACCESS_DENIED    = Error("access denied")
	ERR_BAD_JOURNAL      = Error("bad journal")
)
