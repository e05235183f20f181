package main

import (
	aeko "github.com/MilliHub-dev/Aeko-backend-sub001/app"
)

func main() {
	app := aeko.New(nil, nil)
	app.Start()
}
