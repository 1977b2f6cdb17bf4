package main

import (
	"context"

	"github.com/Blackdeer1524/SimpleDB/cmd/simpledb/app"
)

func main() {
	app.MustExecute(context.Background())
}
