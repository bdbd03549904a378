// mvf-cli inspects an MVF node data directory and the fork parameters.
package main

func main() {
	Execute()
}
