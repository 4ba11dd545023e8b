// Command facecapture runs the pose-guided face capture flow and the live
// verification stream against a facepay server.
package main

func main() {
	Execute()
}
