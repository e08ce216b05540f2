// Command cluster runs and drives a fork/join compute cluster.
package main

func main() {
	Execute()
}
