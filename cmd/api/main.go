package main

import (
	"go.uber.org/fx"

	"github.com/illusorium/rupay/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
