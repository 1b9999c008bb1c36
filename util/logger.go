package util

import (
	"fmt"
	"log"
	"os"
)

var Logger *log.Logger = log.New(os.Stderr, "", log.LstdFlags)

// InitLogger prefixes every line with the cluster role of this replica, so
// that logs collected from several workers can be told apart.
func InitLogger(role string, index int) {
	Logger = log.New(os.Stderr, fmt.Sprintf("[%s-%d] ", role, index), log.LstdFlags|log.Lmicroseconds)
}
